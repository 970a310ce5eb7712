package handlers

import (
	"encoding/json"
	"time"
)

// Fragment states. Failures render as fragments with one of these states,
// never as raw errors; the cache stores the rendered bytes verbatim.
const (
	StateOK       = "ok"
	StateError    = "error"
	StateNotFound = "not-found"
	StateUnmapped = "unmapped"
	StateOnline   = "online"
	StateOffline  = "offline"
)

// StatusFragment is the rendered per-binding status cell.
type StatusFragment struct {
	State     string `json:"state"`
	Image     string `json:"image,omitempty"`
	ImageTag  string `json:"imageTag,omitempty"`
	Ready     string `json:"ready,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Message   string `json:"message,omitempty"`
	CachedAt  string `json:"cachedAt"`
}

// StatsFragment is the rendered per-cluster stats cell.
type StatsFragment struct {
	State         string `json:"state"`
	ServerVersion string `json:"serverVersion,omitempty"`
	NodeCount     int    `json:"nodeCount"`
	CachedAt      string `json:"cachedAt"`
}

func renderFragment(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Fragment types marshal without error; keep the contract anyway.
		return []byte(`{"state":"error"}`)
	}
	return data
}

func fragmentClock() string {
	return time.Now().Format("15:04:05")
}
