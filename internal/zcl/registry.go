// Package zcl holds ZCL cluster definitions and the value codec used to
// decode raw attribute reports.
package zcl

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds all known ZCL cluster definitions.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		logger:   logger,
	}
}

// Register adds a cluster definition. Registering an existing id overlays
// the new attributes and commands onto the stored definition.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.merge(&c)
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
		return
	}
	r.clusters[c.ID] = c.clone()
	r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
}

// Get returns a copy of a cluster definition, or nil if unknown.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.clone()
}

// Names resolves a cluster and attribute id to display names, falling back
// to hex ids for anything unknown.
func (r *Registry) Names(clusterID, attrID uint16) (cluster, attr string) {
	cluster = fmt.Sprintf("0x%04X", clusterID)
	attr = fmt.Sprintf("0x%04X", attrID)
	if c := r.Get(clusterID); c != nil {
		cluster = c.Name
		if a := c.FindAttribute(attrID); a != nil {
			attr = a.Name
		}
	}
	return cluster, attr
}

// All returns copies of every definition, sorted by id.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
