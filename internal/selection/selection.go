// Package selection tracks which items of a collection are selected,
// including the "select all" mode that is resolved against the live
// collection every time it is read.
package selection

import (
	"sync"

	"go.withmatt.com/mailsync/internal/cache"
)

// Source is the read side of the cache a selection resolves against.
type Source interface {
	SnapshotIDs(key string) []string
	Contains(key, id string) bool
}

// Model is the selection for one collection key. It is safe for concurrent
// use.
type Model struct {
	mu       sync.Mutex
	key      string
	all      bool
	selected map[string]struct{}
	// IDs deselected while in "all" mode
	excluded map[string]struct{}
}

// New returns an empty selection for key.
func New(key string) *Model {
	return &Model{
		key:      key,
		selected: make(map[string]struct{}),
		excluded: make(map[string]struct{}),
	}
}

// Key returns the collection key the selection belongs to.
func (m *Model) Key() string {
	return m.key
}

// Select replaces the selection with exactly ids.
func (m *Model) Select(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = false
	m.excluded = make(map[string]struct{})
	m.selected = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.selected[id] = struct{}{}
	}
}

// SelectAll selects every item the collection holds when the selection is
// resolved, including items from pages fetched later.
func (m *Model) SelectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = true
	m.selected = make(map[string]struct{})
	m.excluded = make(map[string]struct{})
}

// Clear deselects everything.
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *Model) clearLocked() {
	m.all = false
	m.selected = make(map[string]struct{})
	m.excluded = make(map[string]struct{})
}

// Toggle flips the selection state of a single item.
func (m *Model) Toggle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.selected
	if m.all {
		set = m.excluded
	}
	if _, ok := set[id]; ok {
		delete(set, id)
		return
	}
	set[id] = struct{}{}
}

// Deselect removes ids from the selection.
func (m *Model) Deselect(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deselectLocked(ids)
}

func (m *Model) deselectLocked(ids []string) {
	for _, id := range ids {
		if m.all {
			m.excluded[id] = struct{}{}
			continue
		}
		delete(m.selected, id)
	}
}

// Consume deselects ids that an action has just acted on. In "all" mode the
// selection is cleared once nothing of the collection is left selected, so
// pages fetched afterwards are not picked up by a finished bulk action.
func (m *Model) Consume(src Source, ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deselectLocked(ids)
	if m.all && len(m.resolveLocked(src)) == 0 {
		m.clearLocked()
	}
}

// IsAll reports whether the selection is in "all" mode.
func (m *Model) IsAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.all
}

// Empty reports whether nothing is selected, without resolving.
func (m *Model) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.all && len(m.selected) == 0
}

// Selected reports whether id is part of the selection.
func (m *Model) Selected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.all {
		_, excluded := m.excluded[id]
		return !excluded
	}
	_, ok := m.selected[id]
	return ok
}

// Resolve returns the IDs the selection denotes right now, in collection
// order. Call it when acting, never ahead of time.
func (m *Model) Resolve(src Source) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(src)
}

func (m *Model) resolveLocked(src Source) []string {
	if !m.all && len(m.selected) == 0 {
		return nil
	}
	snapshot := src.SnapshotIDs(m.key)
	ids := make([]string, 0, len(snapshot))
	for _, id := range snapshot {
		if m.all {
			if _, ok := m.excluded[id]; ok {
				continue
			}
			ids = append(ids, id)
			continue
		}
		if _, ok := m.selected[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count is the number of items Resolve would return.
func (m *Model) Count(src Source) int {
	return len(m.Resolve(src))
}

// Prune drops explicitly selected IDs that are no longer in the collection.
func (m *Model) Prune(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.selected {
		if !src.Contains(m.key, id) {
			delete(m.selected, id)
		}
	}
	for id := range m.excluded {
		if !src.Contains(m.key, id) {
			delete(m.excluded, id)
		}
	}
}

// Registry holds one selection per collection key and keeps them pruned as
// the cache changes.
type Registry struct {
	mu     sync.Mutex
	cache  *cache.Cache
	models map[string]*Model
	cancel func()
}

// NewRegistry returns a registry subscribed to c.
func NewRegistry(c *cache.Cache) *Registry {
	r := &Registry{
		cache:  c,
		models: make(map[string]*Model),
	}
	r.cancel = c.Subscribe(r.onEvent)
	return r
}

// For returns the selection for key, creating it on first use.
func (r *Registry) For(key string) *Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[key]
	if !ok {
		m = New(key)
		r.models[key] = m
	}
	return m
}

// Consume deselects ids an action has acted on in collection key.
func (r *Registry) Consume(key string, ids []string) {
	r.For(key).Consume(r.cache, ids)
}

// Close stops listening to cache changes.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registry) onEvent(ev cache.Event) {
	switch ev.Kind {
	case cache.EventRemoved, cache.EventInvalidated:
	default:
		return
	}
	r.mu.Lock()
	m, ok := r.models[ev.Key]
	r.mu.Unlock()
	if !ok {
		return
	}
	m.Prune(r.cache)
}
