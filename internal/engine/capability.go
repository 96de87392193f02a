package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/seantiz/quarry/internal/model"
)

// Capability describes how the executor handles one job kind.
type Capability struct {
	Kind    model.Kind
	Enabled bool
	// ResultTypes lists accepted output kinds. The first entry is the default.
	ResultTypes []model.ResultType
	// Validate checks the job payload. Nil accepts any non-empty payload.
	Validate func(job *model.Job) error
	Strategy Strategy
}

// Check validates job against the capability without mutating it.
func (c Capability) Check(job *model.Job) error {
	if job.ResultType != "" && !slices.Contains(c.ResultTypes, job.ResultType) {
		return fmt.Errorf("result type %q is not supported for %s jobs", job.ResultType, c.Kind)
	}
	if c.Validate != nil {
		return c.Validate(job)
	}
	return nil
}

// Prepare stamps the default result type when the job has none.
func (c Capability) Prepare(job *model.Job) {
	if job.ResultType == "" && len(c.ResultTypes) > 0 {
		job.ResultType = c.ResultTypes[0]
	}
}

// CapabilityInfo is the public view of a registered capability.
type CapabilityInfo struct {
	Kind        model.Kind         `json:"kind"`
	Enabled     bool               `json:"enabled"`
	ResultTypes []model.ResultType `json:"result_types"`
}

// Capabilities holds the registered job kinds.
type Capabilities struct {
	mu   sync.RWMutex
	caps map[model.Kind]Capability
}

// NewCapabilities creates an empty registry.
func NewCapabilities() *Capabilities {
	return &Capabilities{caps: make(map[model.Kind]Capability)}
}

// Register adds or replaces the capability for c.Kind.
func (r *Capabilities) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Kind] = c
}

// Lookup returns the capability for kind.
func (r *Capabilities) Lookup(kind model.Kind) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[kind]
	return c, ok
}

// Kinds returns every registered kind, enabled or not.
func (r *Capabilities) Kinds() []model.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.Kind, 0, len(r.caps))
	for k := range r.caps {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// List returns all capabilities sorted by kind for a stable API response.
func (r *Capabilities) List() []CapabilityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]CapabilityInfo, 0, len(r.caps))
	for _, c := range r.caps {
		infos = append(infos, CapabilityInfo{
			Kind:        c.Kind,
			Enabled:     c.Enabled,
			ResultTypes: slices.Clone(c.ResultTypes),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
