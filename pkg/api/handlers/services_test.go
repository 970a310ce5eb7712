package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/fleetview/console/pkg/registry"
)

func testDeployment(name, namespace, image string, ready, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: name, Image: image}},
				},
			},
		},
		Status: appsv1.DeploymentStatus{
			Replicas:      replicas,
			ReadyReplicas: ready,
		},
	}
}

func statusFragment(t *testing.T, body io.Reader) StatusFragment {
	t.Helper()
	var frag StatusFragment
	require.NoError(t, json.NewDecoder(body).Decode(&frag))
	return frag
}

func TestServiceStatusReadThrough(t *testing.T) {
	env := setupTestEnv(t, testDeployment("web", "default", "registry.io/team/web:1.2.3", 2, 2))
	cluster := env.addCluster(t, "prod")
	require.NoError(t, env.Registry.UpsertBinding("web", cluster.ID, registry.Binding{
		Deployment: "web", Namespace: "default",
	}))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Get("/api/status/:cluster/:service", handler.ServiceStatus)

	req := httptest.NewRequest("GET", "/api/status/prod/web", nil)
	resp, err := env.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	frag := statusFragment(t, resp.Body)
	assert.Equal(t, StateOK, frag.State)
	assert.Equal(t, "1.2.3", frag.ImageTag)
	assert.Equal(t, "2/2", frag.Ready)
	assert.Equal(t, "default", frag.Namespace)
	assert.Equal(t, 1, *env.ProbeCalls)

	// Second request is served from the cache without touching the cluster.
	resp2, err := env.App.Test(httptest.NewRequest("GET", "/api/status/prod/web", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp2.StatusCode)
	frag2 := statusFragment(t, resp2.Body)
	assert.Equal(t, frag.CachedAt, frag2.CachedAt)
	assert.Equal(t, 1, *env.ProbeCalls)
}

func TestServiceStatusUnmapped(t *testing.T) {
	env := setupTestEnv(t)
	env.addCluster(t, "prod")

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Get("/api/status/:cluster/:service", handler.ServiceStatus)

	resp, err := env.App.Test(httptest.NewRequest("GET", "/api/status/prod/ghost", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	frag := statusFragment(t, resp.Body)
	assert.Equal(t, StateUnmapped, frag.State)
	assert.Equal(t, 0, *env.ProbeCalls)

	// Placeholders are never cached.
	_, statuses := env.Cache.Len()
	assert.Equal(t, 0, statuses)
}

func TestServiceStatusNotFoundCached(t *testing.T) {
	env := setupTestEnv(t) // no deployment objects
	cluster := env.addCluster(t, "prod")
	require.NoError(t, env.Registry.UpsertBinding("web", cluster.ID, registry.Binding{
		Deployment: "web", Namespace: "default",
	}))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Get("/api/status/:cluster/:service", handler.ServiceStatus)

	resp, err := env.App.Test(httptest.NewRequest("GET", "/api/status/prod/web", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, StateNotFound, statusFragment(t, resp.Body).State)

	// Failure fragments are cached like successes.
	_, statuses := env.Cache.Len()
	assert.Equal(t, 1, statuses)

	resp2, err := env.App.Test(httptest.NewRequest("GET", "/api/status/prod/web", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, statusFragment(t, resp2.Body).State)
	assert.Equal(t, 1, *env.ProbeCalls)
}

func TestCreateMappingInvalidates(t *testing.T) {
	env := setupTestEnv(t)
	cluster := env.addCluster(t, "prod")

	env.Cache.PutStatus(cluster.ID, "web", []byte(`{"state":"ok"}`))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Post("/api/services", handler.CreateMapping)

	body, _ := json.Marshal(map[string]string{
		"uiName":     "web",
		"clusterId":  cluster.ID,
		"deployment": "web-v2",
		"namespace":  "default",
	})
	req := httptest.NewRequest("POST", "/api/services", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	_, ok := env.Cache.GetStatus(cluster.ID, "web")
	assert.False(t, ok)

	service, err := env.Registry.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, "web-v2", service.Clusters[cluster.ID].Deployment)
}

func TestCreateMappingUnknownCluster(t *testing.T) {
	env := setupTestEnv(t)

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Post("/api/services", handler.CreateMapping)

	body, _ := json.Marshal(map[string]string{
		"uiName":     "web",
		"clusterId":  "ghost",
		"deployment": "web",
		"namespace":  "default",
	})
	req := httptest.NewRequest("POST", "/api/services", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRemoveMappingInvalidates(t *testing.T) {
	env := setupTestEnv(t)
	cluster := env.addCluster(t, "prod")
	require.NoError(t, env.Registry.UpsertBinding("web", cluster.ID, registry.Binding{
		Deployment: "web", Namespace: "default",
	}))
	env.Cache.PutStatus(cluster.ID, "web", []byte(`{"state":"ok"}`))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Delete("/api/services/:name/bindings/:cluster", handler.RemoveMapping)

	resp, err := env.App.Test(httptest.NewRequest("DELETE", "/api/services/web/bindings/prod", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	_, ok := env.Cache.GetStatus(cluster.ID, "web")
	assert.False(t, ok)

	// Last binding removed the service entirely.
	_, err = env.Registry.GetService("web")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestBulkImport(t *testing.T) {
	env := setupTestEnv(t)
	cluster := env.addCluster(t, "prod")

	env.Cache.PutStatus(cluster.ID, "old", []byte(`{"state":"ok"}`))
	env.Cache.PutStats(cluster.ID, []byte(`{"state":"online"}`))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Post("/api/import", handler.BulkImport)

	body, _ := json.Marshal(map[string]any{
		"clusterId": cluster.ID,
		"namespace": "default",
		"rows": []map[string]string{
			{"deployment": "orders-api", "uiName": "orders"},
			{"deployment": "web-blue", "uiName": "web"},
		},
	})
	req := httptest.NewRequest("POST", "/api/import", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var result struct {
		Imported int `json:"imported"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Imported)

	// The whole statuses namespace drops; stats survive.
	stats, statuses := env.Cache.Len()
	assert.Equal(t, 1, stats)
	assert.Equal(t, 0, statuses)

	service, err := env.Registry.GetService("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-api", service.Clusters[cluster.ID].Deployment)
}

func TestRefreshAll(t *testing.T) {
	env := setupTestEnv(t)
	cluster := env.addCluster(t, "prod")
	env.Cache.PutStats(cluster.ID, []byte(`{"state":"online"}`))
	env.Cache.PutStatus(cluster.ID, "web", []byte(`{"state":"ok"}`))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Post("/api/refresh", handler.RefreshAll)

	resp, err := env.App.Test(httptest.NewRequest("POST", "/api/refresh", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var result struct {
		LastRefresh string `json:"lastRefresh"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEqual(t, "Never", result.LastRefresh)

	stats, statuses := env.Cache.Len()
	assert.Equal(t, 0, stats)
	assert.Equal(t, 0, statuses)
}

func TestDescribeServiceLive(t *testing.T) {
	env := setupTestEnv(t, testDeployment("web", "default", "web:2.0", 1, 1))
	cluster := env.addCluster(t, "prod")
	require.NoError(t, env.Registry.UpsertBinding("web", cluster.ID, registry.Binding{
		Deployment: "web", Namespace: "default",
	}))

	handler := NewServiceHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub)
	env.App.Get("/api/describe/:cluster/:service", handler.DescribeService)

	resp, err := env.App.Test(httptest.NewRequest("GET", "/api/describe/prod/web", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// Describe is always live: a second call probes again.
	_, err = env.App.Test(httptest.NewRequest("GET", "/api/describe/prod/web", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 2, *env.ProbeCalls)

	_, statuses := env.Cache.Len()
	assert.Equal(t, 0, statuses)
}
