package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fleetview/console/pkg/cache"
	"github.com/fleetview/console/pkg/creds"
	"github.com/fleetview/console/pkg/probe"
	"github.com/fleetview/console/pkg/registry"
)

// ClusterHandlers handles cluster registry and stats endpoints
type ClusterHandlers struct {
	registry  *registry.FileRegistry
	broker    *creds.Broker
	probe     *probe.Probe
	cache     *cache.ResponseCache
	hub       *Hub
	configDir string
}

// NewClusterHandlers creates a new cluster handlers instance
func NewClusterHandlers(reg *registry.FileRegistry, broker *creds.Broker, prb *probe.Probe, rc *cache.ResponseCache, hub *Hub, configDir string) *ClusterHandlers {
	return &ClusterHandlers{
		registry:  reg,
		broker:    broker,
		probe:     prb,
		cache:     rc,
		hub:       hub,
		configDir: configDir,
	}
}

// ListClusters returns all tracked clusters
// GET /api/clusters
func (h *ClusterHandlers) ListClusters(c *fiber.Ctx) error {
	clusters, err := h.registry.ListClusters()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"clusters":    clusters,
		"lastRefresh": h.cache.LastRefresh(),
	})
}

// GetCluster returns one cluster with the services bound to it
// GET /api/clusters/:id
func (h *ClusterHandlers) GetCluster(c *fiber.Ctx) error {
	id := c.Params("id")

	cluster, err := h.registry.GetCluster(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "cluster not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	services, err := h.registry.ListServices()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	type boundService struct {
		UIName     string `json:"ui_name"`
		Deployment string `json:"deployment"`
		Namespace  string `json:"namespace"`
	}

	bound := []boundService{}
	for _, svc := range services {
		if binding, ok := svc.Clusters[id]; ok {
			bound = append(bound, boundService{
				UIName:     svc.UIName,
				Deployment: binding.Deployment,
				Namespace:  binding.Namespace,
			})
		}
	}

	return c.JSON(fiber.Map{
		"cluster":  cluster,
		"services": bound,
	})
}

// CreateCluster registers a cluster from an uploaded kubeconfig
// POST /api/clusters (multipart: alias, kubeconfig)
func (h *ClusterHandlers) CreateCluster(c *fiber.Ctx) error {
	alias := c.FormValue("alias")
	if alias == "" {
		return c.Status(400).JSON(fiber.Map{"error": "alias is required"})
	}

	fileHeader, err := c.FormFile("kubeconfig")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "kubeconfig file is required"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "failed to open upload: " + err.Error()})
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "failed to read upload: " + err.Error()})
	}

	// Reject uploads clientcmd cannot parse before anything touches disk.
	if _, err := clientcmd.Load(data); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid kubeconfig: " + err.Error()})
	}

	if err := os.MkdirAll(h.configDir, 0700); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to create config dir: " + err.Error()})
	}

	configPath := filepath.Join(h.configDir, registry.SlugID(alias)+".yaml")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to save kubeconfig: " + err.Error()})
	}

	cluster, err := h.registry.AddCluster(alias, configPath)
	if err != nil {
		os.Remove(configPath)
		if errors.Is(err, registry.ErrAliasExists) {
			return c.Status(409).JSON(fiber.Map{"error": fmt.Sprintf("cluster alias %q already exists", alias)})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	log.Printf("[clusters] added cluster %s (%s)", cluster.ID, cluster.Alias)
	h.hub.BroadcastAll(Message{Type: "cluster-added", Data: cluster})

	return c.Status(201).JSON(cluster)
}

// DeleteCluster removes a cluster and every service binding that pointed
// at it, then invalidates the affected cache entries.
// DELETE /api/clusters/:id
func (h *ClusterHandlers) DeleteCluster(c *fiber.Ctx) error {
	id := c.Params("id")

	removedBindings, err := h.registry.DeleteCluster(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "cluster not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	h.cache.InvalidateStats(id)
	for _, uiName := range removedBindings {
		h.cache.InvalidateStatus(id, uiName)
	}

	log.Printf("[clusters] deleted cluster %s (%d bindings removed)", id, len(removedBindings))
	h.hub.BroadcastAll(Message{Type: "cluster-deleted", Data: fiber.Map{"id": id}})

	return c.JSON(fiber.Map{
		"deleted":         id,
		"removedBindings": removedBindings,
	})
}

// ClusterStats returns the cached stats fragment, probing the cluster on
// a cache miss. Offline results are cached like any other fragment.
// GET /api/clusters/:id/stats
func (h *ClusterHandlers) ClusterStats(c *fiber.Ctx) error {
	id := c.Params("id")

	cluster, err := h.registry.GetCluster(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "cluster not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	if fragment, ok := h.cache.GetStats(id); ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(fragment)
	}

	scope := h.broker.ScopeFor(c.Context(), cluster)

	frag := StatsFragment{CachedAt: fragmentClock()}
	stats, err := h.probe.Stats(c.Context(), cluster, scope)
	if err != nil {
		frag.State = StateOffline
	} else {
		frag.State = StateOnline
		frag.ServerVersion = stats.ServerVersion
		frag.NodeCount = stats.NodeCount
	}

	fragment := renderFragment(frag)
	h.cache.PutStats(id, fragment)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(fragment)
}

// ScanNamespace lists deployments in a namespace with name suggestions.
// Always live, never cached.
// GET /api/clusters/:id/scan?namespace=
func (h *ClusterHandlers) ScanNamespace(c *fiber.Ctx) error {
	id := c.Params("id")
	namespace := c.Query("namespace")
	if namespace == "" {
		return c.Status(400).JSON(fiber.Map{"error": "namespace query parameter is required"})
	}

	cluster, err := h.registry.GetCluster(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "cluster not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	scope := h.broker.ScopeFor(c.Context(), cluster)

	deployments, err := h.probe.ListDeployments(c.Context(), cluster, scope, namespace)
	if err != nil {
		return c.Status(502).JSON(fiber.Map{"error": "scan failed: " + err.Error()})
	}

	used := h.registry.UsedNames()

	type scanRow struct {
		Deployment string `json:"deployment"`
		Suggestion string `json:"suggestion"`
		Known      bool   `json:"known"`
	}

	rows := make([]scanRow, 0, len(deployments))
	for _, name := range deployments {
		suggestion := registry.Suggest(name, used)
		known := false
		for _, u := range used {
			if u == suggestion {
				known = true
				break
			}
		}
		rows = append(rows, scanRow{Deployment: name, Suggestion: suggestion, Known: known})
	}

	return c.JSON(fiber.Map{
		"cluster":     id,
		"namespace":   namespace,
		"deployments": rows,
	})
}
