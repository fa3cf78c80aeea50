package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hostmedic/internal/logging"
)

// Snapshot is an immutable, versioned view of the specialist table.
type Snapshot struct {
	version  uint64
	source   string
	loadedAt time.Time
	defs     []Definition
	byID     map[string]int
}

func newSnapshot(version uint64, source string, defs []Definition) *Snapshot {
	sorted := make([]Definition, len(defs))
	for i, d := range defs {
		sorted[i] = d.clone()
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	byID := make(map[string]int, len(sorted))
	for i, d := range sorted {
		byID[d.ID] = i
	}
	return &Snapshot{version: version, source: source, loadedAt: time.Now(), defs: sorted, byID: byID}
}

// NewSnapshot builds an unversioned snapshot (version 0) directly from
// definitions. Definitions are normalized and validated.
func NewSnapshot(defs []Definition) (*Snapshot, error) {
	norm, err := prepare(defs, nil)
	if err != nil {
		return nil, err
	}
	return newSnapshot(0, "inline", norm), nil
}

// Version returns the monotonically increasing table version.
func (s *Snapshot) Version() uint64 { return s.version }

// Source names where the table came from.
func (s *Snapshot) Source() string { return s.source }

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// All returns every definition sorted by id.
func (s *Snapshot) All() []Definition {
	out := make([]Definition, len(s.defs))
	for i, d := range s.defs {
		out[i] = d.clone()
	}
	return out
}

// Enabled returns the enabled definitions sorted by id.
func (s *Snapshot) Enabled() []Definition {
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		if d.Enabled {
			out = append(out, d.clone())
		}
	}
	return out
}

// Get returns a definition by id.
func (s *Snapshot) Get(id string) (Definition, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Definition{}, false
	}
	return s.defs[i].clone(), true
}

func prepare(defs []Definition, knownPlaybook func(string) bool) ([]Definition, error) {
	out := make([]Definition, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		d = d.normalize()
		if err := d.validate(knownPlaybook); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate specialist id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// Registry publishes specialist snapshots. Readers take a snapshot once per
// run; reloads swap the whole table atomically.
type Registry struct {
	current       atomic.Pointer[Snapshot]
	reloadMu      sync.Mutex
	knownPlaybook func(string) bool
}

// New creates a registry from initial definitions at version 1.
func New(defs []Definition, source string, knownPlaybook func(string) bool) (*Registry, error) {
	norm, err := prepare(defs, knownPlaybook)
	if err != nil {
		return nil, err
	}
	r := &Registry{knownPlaybook: knownPlaybook}
	r.current.Store(newSnapshot(1, source, norm))
	logging.Registry("Registry initialized from %s: %d specialists (version 1)", source, len(norm))
	return r, nil
}

// NewDefault creates a registry from the built-in definitions.
func NewDefault(knownPlaybook func(string) bool) (*Registry, error) {
	return New(DefaultDefinitions(), "builtin", knownPlaybook)
}

// Open loads the policy source at path, falling back to the built-in
// definitions when the file does not exist.
func Open(path string, knownPlaybook func(string) bool) (*Registry, error) {
	defs, err := LoadFile(path, knownPlaybook)
	if err != nil {
		if isNotExist(err) {
			return NewDefault(knownPlaybook)
		}
		return nil, err
	}
	return New(defs, path, knownPlaybook)
}

// Snapshot returns the current table.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload validates defs and atomically publishes them as the next version.
// On error the current snapshot stays in place.
func (r *Registry) Reload(defs []Definition, source string) (*Snapshot, error) {
	norm, err := prepare(defs, r.knownPlaybook)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("Reload from %s rejected: %v", source, err)
		return nil, err
	}
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	next := newSnapshot(r.current.Load().version+1, source, norm)
	r.current.Store(next)
	logging.Registry("Registry reloaded from %s: %d specialists (version %d)", source, len(norm), next.version)
	return next, nil
}

// ReloadFile re-reads a policy source file and publishes it.
func (r *Registry) ReloadFile(path string) (*Snapshot, error) {
	defs, err := LoadFile(path, r.knownPlaybook)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("Reload of %s failed: %v", path, err)
		return nil, err
	}
	return r.Reload(defs, path)
}
