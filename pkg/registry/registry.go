package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	registryFileMode = 0600
	registryDirMode  = 0700
)

var (
	// ErrNotFound is returned when a cluster or service does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAliasExists is returned when adding a cluster whose alias is taken.
	ErrAliasExists = errors.New("cluster alias already exists")
	// ErrClusterMissing is returned when a binding references an unknown cluster.
	ErrClusterMissing = errors.New("cluster does not exist")
)

// Binding is the deployment/namespace pair a service resolves to in one cluster.
type Binding struct {
	Deployment string `json:"deployment"`
	Namespace  string `json:"namespace"`
}

// Cluster is a tracked Kubernetes cluster.
type Cluster struct {
	ID         string `json:"id"`
	Alias      string `json:"alias"`
	ConfigPath string `json:"config_path"`
}

// Service maps a logical name to per-cluster bindings.
type Service struct {
	UIName   string             `json:"ui_name"`
	Clusters map[string]Binding `json:"clusters"`
}

// Snapshot is the full registry contents as persisted on disk.
type Snapshot struct {
	Clusters []Cluster `json:"clusters"`
	Services []Service `json:"services"`
}

// ImportRow is one confirmed row of a bulk import.
type ImportRow struct {
	Deployment string `json:"deployment"`
	UIName     string `json:"uiName"`
}

// FileRegistry persists clusters and services as a single JSON snapshot.
// Every operation reloads the snapshot from disk, mutates it, and writes it
// back atomically; there is no partial-update API. The cascade rule (deleting
// a cluster removes its bindings and any service left empty) lives here and
// nowhere else.
type FileRegistry struct {
	mu      sync.Mutex
	path    string
	watcher *fileWatcher
}

// NewFileRegistry creates a registry backed by the JSON file at path.
// The file is created lazily on first write.
func NewFileRegistry(path string) (*FileRegistry, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), registryDirMode); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &FileRegistry{path: path}, nil
}

// Path returns the registry file path.
func (r *FileRegistry) Path() string {
	return r.path
}

// load reads the snapshot from disk. A missing, empty, or unparseable file
// yields an empty snapshot rather than an error so a fresh install and a
// hand-truncated file both start clean.
func (r *FileRegistry) load() *Snapshot {
	data, err := os.ReadFile(r.path)
	if err != nil || len(data) == 0 {
		return &Snapshot{}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &Snapshot{}
	}
	return &snap
}

// save writes the snapshot atomically (temp file + rename).
func (r *FileRegistry) save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	r.markSelfEdit()
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, registryFileMode); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

// ListClusters returns all clusters sorted by alias.
func (r *FileRegistry) ListClusters() ([]Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	clusters := append([]Cluster(nil), snap.Clusters...)
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Alias < clusters[j].Alias
	})
	return clusters, nil
}

// GetCluster returns the cluster with the given id.
func (r *FileRegistry) GetCluster(id string) (*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	for i := range snap.Clusters {
		if snap.Clusters[i].ID == id {
			c := snap.Clusters[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("cluster %q: %w", id, ErrNotFound)
}

// SlugID derives a stable cluster identifier from a human alias.
func SlugID(alias string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(alias)), " ", "-")
}

// AddCluster registers a cluster under the slug of its alias and returns it.
func (r *FileRegistry) AddCluster(alias, configPath string) (*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	for _, c := range snap.Clusters {
		if c.Alias == alias {
			return nil, fmt.Errorf("alias %q: %w", alias, ErrAliasExists)
		}
	}
	cluster := Cluster{ID: SlugID(alias), Alias: alias, ConfigPath: configPath}
	snap.Clusters = append(snap.Clusters, cluster)
	if err := r.save(snap); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// DeleteCluster removes a cluster and cascades: every service loses its
// binding for that cluster, and services left with no bindings are removed
// entirely. It returns the ui_names whose bindings were removed so callers
// can invalidate exactly the affected cache entries.
func (r *FileRegistry) DeleteCluster(id string) (removedBindings []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	kept := snap.Clusters[:0]
	found := false
	for _, c := range snap.Clusters {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return nil, fmt.Errorf("cluster %q: %w", id, ErrNotFound)
	}
	snap.Clusters = kept

	services := snap.Services[:0]
	for _, svc := range snap.Services {
		if _, ok := svc.Clusters[id]; ok {
			delete(svc.Clusters, id)
			removedBindings = append(removedBindings, svc.UIName)
		}
		if len(svc.Clusters) > 0 {
			services = append(services, svc)
		}
	}
	snap.Services = services

	if err := r.save(snap); err != nil {
		return nil, err
	}
	return removedBindings, nil
}

// ListServices returns all services sorted by ui_name.
func (r *FileRegistry) ListServices() ([]Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	services := append([]Service(nil), snap.Services...)
	sort.Slice(services, func(i, j int) bool {
		return services[i].UIName < services[j].UIName
	})
	return services, nil
}

// GetService returns the service with the given ui_name.
func (r *FileRegistry) GetService(uiName string) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	for i := range snap.Services {
		if snap.Services[i].UIName == uiName {
			s := snap.Services[i]
			return &s, nil
		}
	}
	return nil, fmt.Errorf("service %q: %w", uiName, ErrNotFound)
}

// UpsertBinding adds or replaces the binding of uiName for clusterID,
// creating the service if it does not exist yet. The cluster must exist;
// this is the single enforcement point for the referential invariant.
func (r *FileRegistry) UpsertBinding(uiName, clusterID string, binding Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	if err := upsertBinding(snap, uiName, clusterID, binding); err != nil {
		return err
	}
	return r.save(snap)
}

func upsertBinding(snap *Snapshot, uiName, clusterID string, binding Binding) error {
	if !clusterExists(snap, clusterID) {
		return fmt.Errorf("cluster %q: %w", clusterID, ErrClusterMissing)
	}
	for i := range snap.Services {
		if snap.Services[i].UIName == uiName {
			if snap.Services[i].Clusters == nil {
				snap.Services[i].Clusters = make(map[string]Binding)
			}
			snap.Services[i].Clusters[clusterID] = binding
			return nil
		}
	}
	snap.Services = append(snap.Services, Service{
		UIName:   uiName,
		Clusters: map[string]Binding{clusterID: binding},
	})
	return nil
}

func clusterExists(snap *Snapshot, id string) bool {
	for _, c := range snap.Clusters {
		if c.ID == id {
			return true
		}
	}
	return false
}

// RemoveBinding drops the clusterID binding from uiName. When the last
// binding goes, the service itself is removed.
func (r *FileRegistry) RemoveBinding(uiName, clusterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	for i := range snap.Services {
		if snap.Services[i].UIName != uiName {
			continue
		}
		if _, ok := snap.Services[i].Clusters[clusterID]; !ok {
			return fmt.Errorf("service %q has no binding for cluster %q: %w", uiName, clusterID, ErrNotFound)
		}
		delete(snap.Services[i].Clusters, clusterID)
		if len(snap.Services[i].Clusters) == 0 {
			snap.Services = append(snap.Services[:i], snap.Services[i+1:]...)
		}
		return r.save(snap)
	}
	return fmt.Errorf("service %q: %w", uiName, ErrNotFound)
}

// BulkImport applies confirmed scan rows against one cluster/namespace in a
// single snapshot write. Rows with a blank ui_name are skipped. Rows whose
// ui_name already exists extend that service; others create a new one.
func (r *FileRegistry) BulkImport(clusterID, namespace string, rows []ImportRow) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	imported := 0
	for _, row := range rows {
		name := strings.TrimSpace(row.UIName)
		if name == "" {
			continue
		}
		binding := Binding{Deployment: row.Deployment, Namespace: namespace}
		if err := upsertBinding(snap, name, clusterID, binding); err != nil {
			return 0, err
		}
		imported++
	}
	if imported == 0 {
		return 0, nil
	}
	if err := r.save(snap); err != nil {
		return 0, err
	}
	return imported, nil
}

// UsedNames returns every ui_name currently in the registry, sorted.
func (r *FileRegistry) UsedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.load()
	names := make([]string, 0, len(snap.Services))
	for _, svc := range snap.Services {
		names = append(names, svc.UIName)
	}
	sort.Strings(names)
	return names
}
