// Package cache holds pre-rendered response fragments for cluster stats and
// service status cells. Entries have no TTL: they live until a mutation that
// could change their answer removes them, or until an explicit refresh clears
// everything. Failed probe results are cached like any other answer so
// repeated page renders do not hammer an unreachable cluster.
package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	nsStats    = "stats"
	nsStatuses = "statuses"
)

var (
	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetview_cache_lookups_total",
		Help: "Response cache lookups by namespace and result.",
	}, []string{"namespace", "result"})
	invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetview_cache_invalidations_total",
		Help: "Response cache invalidations by namespace.",
	}, []string{"namespace"})
)

// ResponseCache maps cluster and (cluster, service) keys to rendered
// fragments. All methods are safe for concurrent use.
type ResponseCache struct {
	mu          sync.RWMutex
	stats       map[string][]byte
	statuses    map[statusKey][]byte
	lastRefresh time.Time
}

// statusKey is a composite key so cluster IDs and service names cannot
// collide, whatever characters they contain.
type statusKey struct {
	cluster string
	service string
}

// New creates an empty ResponseCache.
func New() *ResponseCache {
	return &ResponseCache{
		stats:    make(map[string][]byte),
		statuses: make(map[statusKey][]byte),
	}
}

// GetStats returns the cached stats fragment for a cluster.
func (c *ResponseCache) GetStats(clusterID string) ([]byte, bool) {
	c.mu.RLock()
	fragment, ok := c.stats[clusterID]
	c.mu.RUnlock()
	count(nsStats, ok)
	return fragment, ok
}

// PutStats stores the stats fragment for a cluster.
func (c *ResponseCache) PutStats(clusterID string, fragment []byte) {
	c.mu.Lock()
	c.stats[clusterID] = fragment
	c.mu.Unlock()
}

// GetStatus returns the cached status fragment for a (cluster, service) pair.
func (c *ResponseCache) GetStatus(clusterID, uiName string) ([]byte, bool) {
	c.mu.RLock()
	fragment, ok := c.statuses[statusKey{clusterID, uiName}]
	c.mu.RUnlock()
	count(nsStatuses, ok)
	return fragment, ok
}

// PutStatus stores the status fragment for a (cluster, service) pair.
func (c *ResponseCache) PutStatus(clusterID, uiName string, fragment []byte) {
	c.mu.Lock()
	c.statuses[statusKey{clusterID, uiName}] = fragment
	c.mu.Unlock()
}

// InvalidateStats removes one cluster's stats entry.
func (c *ResponseCache) InvalidateStats(clusterID string) {
	c.mu.Lock()
	delete(c.stats, clusterID)
	c.mu.Unlock()
	invalidations.WithLabelValues(nsStats).Inc()
}

// InvalidateStatus removes one (cluster, service) status entry.
func (c *ResponseCache) InvalidateStatus(clusterID, uiName string) {
	c.mu.Lock()
	delete(c.statuses, statusKey{clusterID, uiName})
	c.mu.Unlock()
	invalidations.WithLabelValues(nsStatuses).Inc()
}

// InvalidateStatuses empties the whole statuses namespace. Bulk import uses
// this because one import can touch many services at once.
func (c *ResponseCache) InvalidateStatuses() {
	c.mu.Lock()
	c.statuses = make(map[statusKey][]byte)
	c.mu.Unlock()
	invalidations.WithLabelValues(nsStatuses).Inc()
}

// InvalidateAll empties both namespaces and bumps the last-refresh
// timestamp. The timestamp is shown as "last updated" in the UI; it never
// drives expiry.
func (c *ResponseCache) InvalidateAll() {
	c.mu.Lock()
	c.stats = make(map[string][]byte)
	c.statuses = make(map[statusKey][]byte)
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	invalidations.WithLabelValues(nsStats).Inc()
	invalidations.WithLabelValues(nsStatuses).Inc()
}

// LastRefresh formats the last full refresh for display. "Never" before the
// first refresh.
func (c *ResponseCache) LastRefresh() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRefresh.IsZero() {
		return "Never"
	}
	return c.lastRefresh.Format("15:04:05")
}

// Len reports entry counts per namespace, for the health endpoint.
func (c *ResponseCache) Len() (stats, statuses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stats), len(c.statuses)
}

func count(namespace string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	lookups.WithLabelValues(namespace, result).Inc()
}
