package ota

import (
	"sync"
	"time"

	"github.com/relabs-tech/gartenio/core/registry"
)

// MemoryHistory is an in-process History, used in tests and
// single-node deployments.
type MemoryHistory struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewMemoryHistory returns an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{last: map[string]time.Time{}}
}

// LastUpgrade implements History.
func (h *MemoryHistory) LastUpgrade(tenantID, deviceID string) (time.Time, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last[tenantID+"/"+deviceID], nil
}

// RecordUpgrade implements History.
func (h *MemoryHistory) RecordUpgrade(tenantID, deviceID string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[tenantID+"/"+deviceID] = at
	return nil
}

// RegistryHistory stores upgrade timestamps in the persistent
// registry under the "_ota_" prefix.
type RegistryHistory struct {
	accessor registry.Accessor
}

// NewRegistryHistory returns a History backed by the persistent
// registry.
func NewRegistryHistory(r registry.Registry) *RegistryHistory {
	return &RegistryHistory{accessor: r.Accessor("_ota_")}
}

// LastUpgrade implements History.
func (h *RegistryHistory) LastUpgrade(tenantID, deviceID string) (time.Time, error) {
	var at time.Time
	if _, err := h.accessor.Read(tenantID+"/"+deviceID, &at); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// RecordUpgrade implements History.
func (h *RegistryHistory) RecordUpgrade(tenantID, deviceID string, at time.Time) error {
	return h.accessor.Write(tenantID+"/"+deviceID, at)
}
