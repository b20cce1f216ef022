// Package quirks adapts vendor-specific device behaviour to standard ZCL
// clusters. A Quirk builds a Device's endpoints and clusters; quirk clusters
// then rewrite what the device reports before the host sees it.
package quirks

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/zcl"
)

// DefaultRearmDelay is how long a motion/occupancy alarm stays active after
// the last trigger.
const DefaultRearmDelay = 15 * time.Second

// Env is what a quirk needs to build its clusters.
type Env struct {
	Scheduler clock.Scheduler
	Clusters  *zcl.Registry
	Logger    *slog.Logger
	// RearmDelay overrides DefaultRearmDelay when positive.
	RearmDelay time.Duration
}

// Delay returns the effective re-arm delay.
func (e Env) Delay() time.Duration {
	if e.RearmDelay > 0 {
		return e.RearmDelay
	}
	return DefaultRearmDelay
}

// Model identifies a device model by its Basic cluster strings.
type Model struct {
	Manufacturer string
	Model        string
}

// Quirk describes how to build a device for a set of models.
type Quirk struct {
	Name   string
	Models []Model
	Build  func(dev *Device, env Env) error
}

// Registry holds quirks keyed by name and by manufacturer+model.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Quirk
	byModel map[string]*Quirk
}

func modelKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Quirk),
		byModel: make(map[string]*Quirk),
	}
}

// Register adds a quirk and indexes its models.
func (r *Registry) Register(q Quirk) error {
	if q.Name == "" {
		return fmt.Errorf("register quirk: empty name")
	}
	if q.Build == nil {
		return fmt.Errorf("register quirk %q: nil build func", q.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[q.Name]; ok {
		return fmt.Errorf("register quirk %q: already registered", q.Name)
	}
	cp := q
	cp.Models = append([]Model(nil), q.Models...)
	r.byName[q.Name] = &cp
	for _, m := range q.Models {
		r.byModel[modelKey(m.Manufacturer, m.Model)] = &cp
	}
	return nil
}

// Alias attaches an additional model to a registered quirk.
func (r *Registry) Alias(manufacturer, model, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("alias %s/%s: unknown quirk %q", manufacturer, model, name)
	}
	r.byModel[modelKey(manufacturer, model)] = q
	return nil
}

// Match returns the quirk for a manufacturer+model, or nil.
func (r *Registry) Match(manufacturer, model string) *Quirk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byModel[modelKey(manufacturer, model)]
}

// Get returns a quirk by name, or nil.
func (r *Registry) Get(name string) *Quirk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Names returns registered quirk names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
