package handlers

import (
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/fleetview/console/pkg/cache"
	"github.com/fleetview/console/pkg/creds"
	"github.com/fleetview/console/pkg/probe"
	"github.com/fleetview/console/pkg/registry"
)

// ServiceHandlers handles service mapping, status, and import endpoints
type ServiceHandlers struct {
	registry *registry.FileRegistry
	broker   *creds.Broker
	probe    *probe.Probe
	cache    *cache.ResponseCache
	hub      *Hub
}

// NewServiceHandlers creates a new service handlers instance
func NewServiceHandlers(reg *registry.FileRegistry, broker *creds.Broker, prb *probe.Probe, rc *cache.ResponseCache, hub *Hub) *ServiceHandlers {
	return &ServiceHandlers{
		registry: reg,
		broker:   broker,
		probe:    prb,
		cache:    rc,
		hub:      hub,
	}
}

// ListServices returns all service mappings
// GET /api/services
func (h *ServiceHandlers) ListServices(c *fiber.Ctx) error {
	services, err := h.registry.ListServices()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"services":    services,
		"lastRefresh": h.cache.LastRefresh(),
	})
}

// CreateMapping adds or extends a service mapping
// POST /api/services
func (h *ServiceHandlers) CreateMapping(c *fiber.Ctx) error {
	type mappingRequest struct {
		UIName     string `json:"uiName"`
		ClusterID  string `json:"clusterId"`
		Deployment string `json:"deployment"`
		Namespace  string `json:"namespace"`
	}

	var req mappingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body: " + err.Error()})
	}

	if req.UIName == "" {
		return c.Status(400).JSON(fiber.Map{"error": "uiName is required"})
	}
	if req.ClusterID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "clusterId is required"})
	}
	if req.Deployment == "" {
		return c.Status(400).JSON(fiber.Map{"error": "deployment is required"})
	}
	if req.Namespace == "" {
		return c.Status(400).JSON(fiber.Map{"error": "namespace is required"})
	}

	err := h.registry.UpsertBinding(req.UIName, req.ClusterID, registry.Binding{
		Deployment: req.Deployment,
		Namespace:  req.Namespace,
	})
	if err != nil {
		if errors.Is(err, registry.ErrClusterMissing) {
			return c.Status(400).JSON(fiber.Map{"error": "unknown cluster: " + req.ClusterID})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	h.cache.InvalidateStatus(req.ClusterID, req.UIName)
	h.hub.BroadcastAll(Message{Type: "service-mapped", Data: fiber.Map{
		"uiName":    req.UIName,
		"clusterId": req.ClusterID,
	}})

	service, err := h.registry.GetService(req.UIName)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(201).JSON(service)
}

// RemoveMapping unmaps a service from one cluster. The service itself is
// removed when its last binding goes.
// DELETE /api/services/:name/bindings/:cluster
func (h *ServiceHandlers) RemoveMapping(c *fiber.Ctx) error {
	uiName := c.Params("name")
	clusterID := c.Params("cluster")

	if err := h.registry.RemoveBinding(uiName, clusterID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "mapping not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	h.cache.InvalidateStatus(clusterID, uiName)
	h.hub.BroadcastAll(Message{Type: "service-unmapped", Data: fiber.Map{
		"uiName":    uiName,
		"clusterId": clusterID,
	}})

	return c.JSON(fiber.Map{"removed": uiName, "cluster": clusterID})
}

// ServiceStatus returns the cached status fragment for one service on one
// cluster, probing the deployment on a cache miss. An unbound pairing
// renders the unmapped placeholder and is never cached; probe failures
// render error fragments and are cached like successes.
// GET /api/status/:cluster/:service
func (h *ServiceHandlers) ServiceStatus(c *fiber.Ctx) error {
	clusterID := c.Params("cluster")
	uiName := c.Params("service")

	cluster, err := h.registry.GetCluster(clusterID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "cluster not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	binding, ok := h.lookupBinding(uiName, clusterID)
	if !ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(renderFragment(StatusFragment{
			State:    StateUnmapped,
			CachedAt: fragmentClock(),
		}))
	}

	if fragment, ok := h.cache.GetStatus(clusterID, uiName); ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(fragment)
	}

	scope := h.broker.ScopeFor(c.Context(), cluster)

	frag := StatusFragment{
		Namespace: binding.Namespace,
		CachedAt:  fragmentClock(),
	}

	status, err := h.probe.DeploymentStatus(c.Context(), cluster, scope, binding)
	switch {
	case err == nil:
		frag.State = StateOK
		frag.Image = status.Image
		frag.ImageTag = status.ImageTag
		frag.Ready = ready(status.ReadyReplicas, status.Replicas)
	case errors.Is(err, probe.ErrNotFound):
		frag.State = StateNotFound
		frag.Message = "deployment " + binding.Deployment + " not found"
	case errors.Is(err, probe.ErrUnreachable):
		frag.State = StateOffline
	default:
		frag.State = StateError
		frag.Message = err.Error()
	}

	fragment := renderFragment(frag)
	h.cache.PutStatus(clusterID, uiName, fragment)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(fragment)
}

// DescribeService returns live deployment detail with recent events.
// Never cached.
// GET /api/describe/:cluster/:service
func (h *ServiceHandlers) DescribeService(c *fiber.Ctx) error {
	clusterID := c.Params("cluster")
	uiName := c.Params("service")

	cluster, err := h.registry.GetCluster(clusterID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "cluster not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	binding, ok := h.lookupBinding(uiName, clusterID)
	if !ok {
		return c.Status(404).JSON(fiber.Map{"error": "service not mapped on this cluster"})
	}

	scope := h.broker.ScopeFor(c.Context(), cluster)

	result, err := h.probe.Describe(c.Context(), cluster, scope, binding)
	if err != nil {
		if errors.Is(err, probe.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "deployment not found"})
		}
		return c.Status(502).JSON(fiber.Map{"error": "describe failed: " + err.Error()})
	}

	return c.JSON(result)
}

// BulkImport maps many deployments of one namespace in a single call
// POST /api/import
func (h *ServiceHandlers) BulkImport(c *fiber.Ctx) error {
	type importRequest struct {
		ClusterID string               `json:"clusterId"`
		Namespace string               `json:"namespace"`
		Rows      []registry.ImportRow `json:"rows"`
	}

	var req importRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body: " + err.Error()})
	}

	if req.ClusterID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "clusterId is required"})
	}
	if req.Namespace == "" {
		return c.Status(400).JSON(fiber.Map{"error": "namespace is required"})
	}
	if len(req.Rows) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "at least one row is required"})
	}

	imported, err := h.registry.BulkImport(req.ClusterID, req.Namespace, req.Rows)
	if err != nil {
		if errors.Is(err, registry.ErrClusterMissing) {
			return c.Status(400).JSON(fiber.Map{"error": "unknown cluster: " + req.ClusterID})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	h.cache.InvalidateStatuses()
	log.Printf("[services] imported %d mappings into %s/%s", imported, req.ClusterID, req.Namespace)
	h.hub.BroadcastAll(Message{Type: "services-imported", Data: fiber.Map{
		"clusterId": req.ClusterID,
		"count":     imported,
	}})

	return c.JSON(fiber.Map{"imported": imported})
}

// RefreshAll drops every cached fragment
// POST /api/refresh
func (h *ServiceHandlers) RefreshAll(c *fiber.Ctx) error {
	h.cache.InvalidateAll()
	h.hub.BroadcastAll(Message{Type: "cache-refreshed", Data: nil})

	return c.JSON(fiber.Map{"lastRefresh": h.cache.LastRefresh()})
}

func (h *ServiceHandlers) lookupBinding(uiName, clusterID string) (registry.Binding, bool) {
	service, err := h.registry.GetService(uiName)
	if err != nil {
		return registry.Binding{}, false
	}
	binding, ok := service.Clusters[clusterID]
	return binding, ok
}

func ready(readyReplicas, replicas int32) string {
	return fmt.Sprintf("%d/%d", readyReplicas, replicas)
}
