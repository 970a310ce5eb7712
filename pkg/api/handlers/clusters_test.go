package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes"

	"github.com/fleetview/console/pkg/creds"
	"github.com/fleetview/console/pkg/registry"
)

func clusterHandlers(env *testEnv) *ClusterHandlers {
	return NewClusterHandlers(env.Registry, env.Broker, env.Probe, env.Cache, env.Hub, filepath.Join(env.DataDir, "configs"))
}

func multipartUpload(t *testing.T, alias, kubeconfig string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("alias", alias))
	fw, err := w.CreateFormFile("kubeconfig", "kubeconfig.yaml")
	require.NoError(t, err)
	_, err = fw.Write([]byte(kubeconfig))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestCreateCluster(t *testing.T) {
	env := setupTestEnv(t)
	handler := clusterHandlers(env)
	env.App.Post("/api/clusters", handler.CreateCluster)

	body, contentType := multipartUpload(t, "Prod EU", "apiVersion: v1\nkind: Config\n")
	req := httptest.NewRequest("POST", "/api/clusters", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := env.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	var cluster registry.Cluster
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cluster))
	assert.Equal(t, "prod-eu", cluster.ID)
	assert.Equal(t, "Prod EU", cluster.Alias)

	stored, err := env.Registry.GetCluster("prod-eu")
	require.NoError(t, err)
	assert.Equal(t, cluster.ConfigPath, stored.ConfigPath)

	// Duplicate alias is rejected.
	body2, contentType2 := multipartUpload(t, "Prod EU", "apiVersion: v1\nkind: Config\n")
	req2 := httptest.NewRequest("POST", "/api/clusters", body2)
	req2.Header.Set("Content-Type", contentType2)
	resp2, err := env.App.Test(req2, 5000)
	require.NoError(t, err)
	assert.Equal(t, 409, resp2.StatusCode)
}

func TestCreateClusterRejectsBadKubeconfig(t *testing.T) {
	env := setupTestEnv(t)
	handler := clusterHandlers(env)
	env.App.Post("/api/clusters", handler.CreateCluster)

	body, contentType := multipartUpload(t, "broken", "{{ not a kubeconfig")
	req := httptest.NewRequest("POST", "/api/clusters", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := env.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	clusters, err := env.Registry.ListClusters()
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestDeleteClusterInvalidates(t *testing.T) {
	env := setupTestEnv(t)
	c1 := env.addCluster(t, "prod")
	c2 := env.addCluster(t, "staging")
	require.NoError(t, env.Registry.UpsertBinding("web", c1.ID, registry.Binding{Deployment: "web", Namespace: "default"}))
	require.NoError(t, env.Registry.UpsertBinding("web", c2.ID, registry.Binding{Deployment: "web", Namespace: "default"}))
	require.NoError(t, env.Registry.UpsertBinding("orders", c1.ID, registry.Binding{Deployment: "orders", Namespace: "default"}))

	env.Cache.PutStats(c1.ID, []byte(`{"state":"online"}`))
	env.Cache.PutStats(c2.ID, []byte(`{"state":"online"}`))
	env.Cache.PutStatus(c1.ID, "web", []byte(`{"state":"ok"}`))
	env.Cache.PutStatus(c1.ID, "orders", []byte(`{"state":"ok"}`))
	env.Cache.PutStatus(c2.ID, "web", []byte(`{"state":"ok"}`))

	handler := clusterHandlers(env)
	env.App.Delete("/api/clusters/:id", handler.DeleteCluster)

	resp, err := env.App.Test(httptest.NewRequest("DELETE", "/api/clusters/prod", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// Only the deleted cluster's entries drop.
	_, ok := env.Cache.GetStats(c1.ID)
	assert.False(t, ok)
	_, ok = env.Cache.GetStats(c2.ID)
	assert.True(t, ok)
	_, ok = env.Cache.GetStatus(c1.ID, "web")
	assert.False(t, ok)
	_, ok = env.Cache.GetStatus(c1.ID, "orders")
	assert.False(t, ok)
	_, ok = env.Cache.GetStatus(c2.ID, "web")
	assert.True(t, ok)

	// orders lost its last binding and is gone; web survives on staging.
	_, err = env.Registry.GetService("orders")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	web, err := env.Registry.GetService("web")
	require.NoError(t, err)
	assert.NotContains(t, web.Clusters, c1.ID)
}

func TestClusterStatsReadThrough(t *testing.T) {
	env := setupTestEnv(t)
	env.addCluster(t, "prod")

	handler := clusterHandlers(env)
	env.App.Get("/api/clusters/:id/stats", handler.ClusterStats)

	resp, err := env.App.Test(httptest.NewRequest("GET", "/api/clusters/prod/stats", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var frag StatsFragment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frag))
	assert.Equal(t, StateOnline, frag.State)
	assert.Equal(t, 1, *env.ProbeCalls)

	_, err = env.App.Test(httptest.NewRequest("GET", "/api/clusters/prod/stats", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 1, *env.ProbeCalls)
}

func TestClusterStatsOfflineCached(t *testing.T) {
	env := setupTestEnv(t)
	env.addCluster(t, "prod")
	env.Probe.SetClientFactory(func(*registry.Cluster, *creds.Scope) (kubernetes.Interface, error) {
		*env.ProbeCalls++
		return nil, errors.New("dial tcp: connection refused")
	})

	handler := clusterHandlers(env)
	env.App.Get("/api/clusters/:id/stats", handler.ClusterStats)

	resp, err := env.App.Test(httptest.NewRequest("GET", "/api/clusters/prod/stats", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var frag StatsFragment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frag))
	assert.Equal(t, StateOffline, frag.State)

	// Offline results are cached like any other fragment.
	_, err = env.App.Test(httptest.NewRequest("GET", "/api/clusters/prod/stats", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 1, *env.ProbeCalls)
}

func TestScanNamespace(t *testing.T) {
	env := setupTestEnv(t,
		testDeployment("web", "default", "web:1.0", 1, 1),
		testDeployment("orders-blue", "default", "orders:1.0", 1, 1),
	)
	cluster := env.addCluster(t, "prod")
	require.NoError(t, env.Registry.UpsertBinding("web", cluster.ID, registry.Binding{Deployment: "web", Namespace: "default"}))

	handler := clusterHandlers(env)
	env.App.Get("/api/clusters/:id/scan", handler.ScanNamespace)

	resp, err := env.App.Test(httptest.NewRequest("GET", "/api/clusters/prod/scan?namespace=default", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var result struct {
		Deployments []struct {
			Deployment string `json:"deployment"`
			Suggestion string `json:"suggestion"`
			Known      bool   `json:"known"`
		} `json:"deployments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Deployments, 2)

	byName := map[string]string{}
	known := map[string]bool{}
	for _, row := range result.Deployments {
		byName[row.Deployment] = row.Suggestion
		known[row.Deployment] = row.Known
	}
	assert.Equal(t, "web", byName["web"])
	assert.True(t, known["web"])
	assert.Equal(t, "orders", byName["orders-blue"])
	assert.False(t, known["orders-blue"])

	// The scan itself requires a namespace.
	respMissing, err := env.App.Test(httptest.NewRequest("GET", "/api/clusters/prod/scan", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 400, respMissing.StatusCode)
}
