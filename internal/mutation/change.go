package mutation

import (
	"go.withmatt.com/mailsync/internal/cache"
	"go.withmatt.com/mailsync/internal/mail"
)

// Slot is one piece of item state a change writes: a label, or membership in
// the collection when Label is empty.
type Slot struct {
	ID    string
	Label string
}

// Scope is the part of the world an Apply or Revert may touch.
type Scope struct {
	Cache *cache.Cache
	Key   string
	// Owned reports whether no newer mutation wrote the slot.
	Owned func(Slot) bool
	// Held applies fn to the copy of id an unsettled removal keeps out of the
	// collection, and reports whether one does.
	Held func(id string, fn func(mail.Item) mail.Item) bool
}

func (s Scope) owned(slot Slot) bool {
	return s.Owned == nil || s.Owned(slot)
}

func (s Scope) held(id string, fn func(mail.Item) mail.Item) bool {
	return s.Held != nil && s.Held(id, fn)
}

// Change is the forward half of a mutation. Apply edits the cache and returns
// the delta that undoes exactly what it did.
type Change interface {
	// Targets lists every slot the change writes, even when the value it
	// writes is already there.
	Targets(ids []string) []Slot
	Apply(s Scope, ids []string) Undo
}

// Undo reverts a single applied Change.
type Undo interface {
	// Changed is the number of items the forward change altered.
	Changed() int
	// Revert undoes the change for slots s owns. exact is false when the
	// previous state could not be restored precisely.
	Revert(s Scope) (exact bool)
}

// holder is implemented by undos that keep copies of the items they took out
// of the collection.
type holder interface {
	edit(id string, fn func(mail.Item) mail.Item) bool
}

// Overlayer is implemented by changes that can be replayed onto an item
// fetched while the change is unsettled. keep is false when the item should
// not be shown at all.
type Overlayer interface {
	Overlay(item mail.Item) (out mail.Item, keep bool)
}

// AddLabel adds label to the items.
func AddLabel(label string) Change {
	return labelChange{label: label, add: true}
}

// RemoveLabel removes label from the items.
func RemoveLabel(label string) Change {
	return labelChange{label: label, add: false}
}

type labelChange struct {
	label string
	add   bool
}

func (l labelChange) Targets(ids []string) []Slot {
	slots := make([]Slot, 0, len(ids))
	for _, id := range ids {
		slots = append(slots, Slot{ID: id, Label: l.label})
	}
	return slots
}

func (l labelChange) Apply(s Scope, ids []string) Undo {
	return labelUndo{label: l.label, add: !l.add, ids: editLabel(s, ids, l.label, l.add)}
}

func (l labelChange) Overlay(item mail.Item) (mail.Item, bool) {
	return relabel(item, l.label, l.add), true
}

func relabel(item mail.Item, label string, add bool) mail.Item {
	if add {
		return item.WithLabel(label)
	}
	return item.WithoutLabel(label)
}

// editLabel sets label on the items of ids, in the collection or in the copy
// an unsettled removal holds, and returns the IDs that changed.
func editLabel(s Scope, ids []string, label string, add bool) []string {
	set := toSet(ids)
	changed := s.Cache.TransformChanged(s.Key,
		func(item mail.Item) bool {
			_, ok := set[item.ID]
			return ok
		},
		func(item mail.Item) mail.Item {
			return relabel(item, label, add)
		},
	)
	for _, id := range ids {
		if _, pending := set[id]; !pending {
			continue
		}
		delete(set, id)
		if s.Cache.Contains(s.Key, id) {
			continue
		}
		s.held(id, func(item mail.Item) mail.Item {
			out := relabel(item, label, add)
			if !out.Equal(item) {
				changed = append(changed, id)
			}
			return out
		})
	}
	return changed
}

// labelUndo re-applies the opposite label edit to exactly the items the
// forward change altered.
type labelUndo struct {
	label string
	add   bool
	ids   []string
}

func (u labelUndo) Changed() int {
	return len(u.ids)
}

func (u labelUndo) Revert(s Scope) bool {
	revert := make([]string, 0, len(u.ids))
	for _, id := range u.ids {
		if s.owned(Slot{ID: id, Label: u.label}) {
			revert = append(revert, id)
		}
	}
	if len(revert) > 0 {
		editLabel(s, revert, u.label, u.add)
	}
	return true
}

// RemoveItems takes the items out of the collection.
func RemoveItems() Change {
	return removeChange{}
}

type removeChange struct{}

func (removeChange) Targets(ids []string) []Slot {
	slots := make([]Slot, 0, len(ids))
	for _, id := range ids {
		slots = append(slots, Slot{ID: id})
	}
	return slots
}

func (removeChange) Apply(s Scope, ids []string) Undo {
	return &removeUndo{removals: s.Cache.RemoveItems(s.Key, ids)}
}

func (removeChange) Overlay(item mail.Item) (mail.Item, bool) {
	return item, false
}

// removeUndo puts removed items back at their former page and position.
type removeUndo struct {
	removals []cache.Removal
}

func (u *removeUndo) Changed() int {
	return len(u.removals)
}

func (u *removeUndo) Revert(s Scope) bool {
	if len(u.removals) == 0 {
		return true
	}
	exact := true
	restore := make([]cache.Removal, 0, len(u.removals))
	for _, r := range u.removals {
		if !s.owned(Slot{ID: r.Item.ID}) {
			exact = false
			continue
		}
		restore = append(restore, r)
	}
	if _, ok := s.Cache.InsertItems(s.Key, restore); !ok {
		exact = false
	}
	return exact
}

func (u *removeUndo) edit(id string, fn func(mail.Item) mail.Item) bool {
	for i := range u.removals {
		if u.removals[i].Item.ID == id {
			u.removals[i].Item = fn(u.removals[i].Item)
			return true
		}
	}
	return false
}

// NoChange leaves the cache alone. Used by mutations that refetch on success
// instead of predicting the outcome.
func NoChange() Change {
	return noChange{}
}

type noChange struct{}

func (noChange) Targets([]string) []Slot { return nil }

func (noChange) Apply(Scope, []string) Undo { return noUndo{} }

type noUndo struct{}

func (noUndo) Changed() int { return 0 }

func (noUndo) Revert(Scope) bool { return true }

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
