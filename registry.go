package tripwire

import (
	"sort"
	"sync"
)

type triggerEntry struct {
	def Trigger
	seq uint64 // registration order, tie-break for equal priorities
}

// Registry holds the live trigger set. It is the only mutable shared
// structure in the core: every mutation is serialized behind the mutex and
// rebuilds an immutable snapshot slice, so dispatch never holds a lock for
// longer than one pointer read.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*triggerEntry
	nextSeq  uint64
	snapshot []Trigger // active triggers, dispatch order, rebuilt on mutation
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*triggerEntry)}
}

// Register adds a trigger. Duplicate ids are rejected.
func (r *Registry) Register(t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[t.ID]; exists {
		return validationError("trigger %q already registered", t.ID)
	}
	r.entries[t.ID] = &triggerEntry{def: t, seq: r.nextSeq}
	r.nextSeq++
	r.rebuild()
	return nil
}

// Unregister removes a trigger by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return notFound("trigger", id)
	}
	delete(r.entries, id)
	r.rebuild()
	return nil
}

// Activate transitions a trigger to Active.
func (r *Registry) Activate(id string) error {
	return r.setActive(id, true)
}

// Deactivate transitions a trigger to Inactive. Inactive triggers are
// skipped by dispatch but remain registered.
func (r *Registry) Deactivate(id string) error {
	return r.setActive(id, false)
}

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return notFound("trigger", id)
	}
	if entry.def.Active != active {
		entry.def.Active = active
		r.rebuild()
	}
	return nil
}

// SetPriority changes a trigger's priority. Registration order is preserved
// as the tie-break.
func (r *Registry) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return notFound("trigger", id)
	}
	if entry.def.Priority != priority {
		entry.def.Priority = priority
		r.rebuild()
	}
	return nil
}

// Get returns a copy of the trigger definition.
func (r *Registry) Get(id string) (Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists {
		return Trigger{}, notFound("trigger", id)
	}
	return entry.def, nil
}

// Len reports how many triggers are registered, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ReloadFromConfig atomically replaces the entire trigger set. Every
// definition is validated first; any failure rejects the whole reload and the
// prior set stays in effect. Registration order restarts from the slice
// order.
func (r *Registry) ReloadFromConfig(triggers []Trigger) error {
	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return validationError("duplicate trigger id %q in reload", t.ID)
		}
		seen[t.ID] = true
	}

	entries := make(map[string]*triggerEntry, len(triggers))
	for i, t := range triggers {
		entries[t.ID] = &triggerEntry{def: t, seq: uint64(i)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
	r.nextSeq = uint64(len(triggers))
	r.rebuild()
	return nil
}

// Snapshot returns the active triggers in dispatch order: priority
// descending, registration order ascending. The returned slice is the
// registry's immutable snapshot; callers must not modify it.
func (r *Registry) Snapshot() []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// rebuild recomputes the ordered active snapshot. Caller holds the write lock.
func (r *Registry) rebuild() {
	ordered := make([]*triggerEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.def.Active {
			ordered = append(ordered, entry)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].def.Priority != ordered[j].def.Priority {
			return ordered[i].def.Priority > ordered[j].def.Priority
		}
		return ordered[i].seq < ordered[j].seq
	})

	snapshot := make([]Trigger, len(ordered))
	for i, entry := range ordered {
		snapshot[i] = entry.def
	}
	r.snapshot = snapshot
}
