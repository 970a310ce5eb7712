package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/fleetview/console/pkg/cache"
	"github.com/fleetview/console/pkg/creds"
	"github.com/fleetview/console/pkg/probe"
	"github.com/fleetview/console/pkg/registry"
)

type testEnv struct {
	App      *fiber.App
	Registry *registry.FileRegistry
	Cache    *cache.ResponseCache
	Broker   *creds.Broker
	Probe    *probe.Probe
	Hub      *Hub
	DataDir  string

	// ProbeCalls counts client-factory invocations, i.e. live cluster
	// probes. Cache hits never build a client.
	ProbeCalls *int
}

func setupTestEnv(t *testing.T, objects ...runtime.Object) *testEnv {
	t.Helper()

	dir := t.TempDir()
	reg, err := registry.NewFileRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Close)

	calls := 0
	prb := probe.New()
	prb.SetClientFactory(func(_ *registry.Cluster, _ *creds.Scope) (kubernetes.Interface, error) {
		calls++
		return fake.NewSimpleClientset(objects...), nil
	})

	return &testEnv{
		App:        fiber.New(),
		Registry:   reg,
		Cache:      cache.New(),
		Broker:     creds.NewBroker(nil),
		Probe:      prb,
		Hub:        hub,
		DataDir:    dir,
		ProbeCalls: &calls,
	}
}

// addCluster seeds a registered cluster with a throwaway kubeconfig file.
func (env *testEnv) addCluster(t *testing.T, alias string) *registry.Cluster {
	t.Helper()

	configPath := filepath.Join(env.DataDir, registry.SlugID(alias)+".yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("apiVersion: v1\nkind: Config\n"), 0600))

	cluster, err := env.Registry.AddCluster(alias, configPath)
	require.NoError(t, err)
	return cluster
}
