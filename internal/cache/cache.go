// Package cache keeps the paged collections of items the mailbox has fetched,
// keyed by collection (mailbox tab). All mutating calls take effect before they
// return.
package cache

import (
	"slices"
	"sort"
	"sync"

	"go.withmatt.com/mailsync/internal/mail"
)

// EventKind says what changed in a collection.
type EventKind int

const (
	EventAppended EventKind = iota
	EventTransformed
	EventRemoved
	EventInserted
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "appended"
	case EventTransformed:
		return "transformed"
	case EventRemoved:
		return "removed"
	case EventInserted:
		return "inserted"
	case EventInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Event is delivered to subscribers after a mutating call.
type Event struct {
	Key  string
	Kind EventKind
	IDs  []string
}

// Removal records where a removed item lived so it can be put back.
type Removal struct {
	Item  mail.Item
	Page  int
	Index int
	// After is the ID that preceded the item in its page, "" if it was first.
	After string

	generation uint64
}

type collection struct {
	pages []mail.Page
	// page index by item ID
	index map[string]int
	total int
}

// Cache holds collections by key. It is safe for concurrent use.
type Cache struct {
	mu          sync.Mutex
	collections map[string]*collection
	generations map[string]uint64

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
	held    int
	queued  []Event
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		collections: make(map[string]*collection),
		generations: make(map[string]uint64),
		subs:        make(map[int]func(Event)),
	}
}

// Subscribe registers fn to be called after every change. fn runs on the
// goroutine that made the change, after the cache lock is released, or on the
// goroutine that releases the last Hold.
func (c *Cache) Subscribe(fn func(Event)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// Hold defers subscriber calls until release is called, so a caller can
// change the cache under its own lock without subscribers calling back into
// it. Events are delivered in order once the last hold is released.
func (c *Cache) Hold() (release func()) {
	c.subMu.Lock()
	c.held++
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			c.held--
			var queued []Event
			if c.held == 0 {
				queued, c.queued = c.queued, nil
			}
			c.subMu.Unlock()
			for _, ev := range queued {
				c.deliver(ev)
			}
		})
	}
}

func (c *Cache) notify(ev Event) {
	c.subMu.Lock()
	if c.held > 0 {
		c.queued = append(c.queued, ev)
		c.subMu.Unlock()
		return
	}
	c.subMu.Unlock()
	c.deliver(ev)
}

func (c *Cache) deliver(ev Event) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Cache) collectionLocked(key string) *collection {
	col, ok := c.collections[key]
	if !ok {
		col = &collection{index: make(map[string]int)}
		c.collections[key] = col
	}
	return col
}

// AppendPage adds a page to the end of the collection. Items whose ID is
// already present anywhere in the collection are dropped. Returns the number
// of items added.
func (c *Cache) AppendPage(key string, items []mail.Item, cursor string) int {
	c.mu.Lock()
	added := c.appendLocked(key, items, cursor)
	c.mu.Unlock()

	c.notify(Event{Key: key, Kind: EventAppended, IDs: added})
	return len(added)
}

// AppendPageAt is AppendPage applied only while the collection is still at
// generation gen. ok is false when it was invalidated in between, in which case
// nothing is added.
func (c *Cache) AppendPageAt(key string, gen uint64, items []mail.Item, cursor string) (added int, ok bool) {
	c.mu.Lock()
	if c.generations[key] != gen {
		c.mu.Unlock()
		return 0, false
	}
	ids := c.appendLocked(key, items, cursor)
	c.mu.Unlock()

	c.notify(Event{Key: key, Kind: EventAppended, IDs: ids})
	return len(ids), true
}

func (c *Cache) appendLocked(key string, items []mail.Item, cursor string) []string {
	col := c.collectionLocked(key)
	pageIdx := len(col.pages)
	page := mail.Page{Items: make([]mail.Item, 0, len(items)), Cursor: cursor}
	added := make([]string, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, dup := col.index[item.ID]; dup {
			continue
		}
		col.index[item.ID] = pageIdx
		page.Items = append(page.Items, item)
		added = append(added, item.ID)
	}
	col.pages = append(col.pages, page)
	return added
}

// Restore replaces the collection with previously saved pages. Removals taken
// before the restore can no longer be put back.
func (c *Cache) Restore(key string, pages []mail.Page, total int) int {
	c.mu.Lock()
	delete(c.collections, key)
	c.generations[key]++
	var added []string
	for _, page := range pages {
		added = append(added, c.appendLocked(key, page.Items, page.Cursor)...)
	}
	c.collectionLocked(key).total = total
	c.mu.Unlock()

	c.notify(Event{Key: key, Kind: EventAppended, IDs: added})
	return len(added)
}

// TransformItems applies fn to every item matching match, in place, and
// returns how many items actually changed.
func (c *Cache) TransformItems(
	key string,
	match func(mail.Item) bool,
	fn func(mail.Item) mail.Item,
) int {
	return len(c.TransformChanged(key, match, fn))
}

// TransformChanged is TransformItems returning the IDs that changed.
func (c *Cache) TransformChanged(
	key string,
	match func(mail.Item) bool,
	fn func(mail.Item) mail.Item,
) []string {
	c.mu.Lock()
	col, ok := c.collections[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	var changed []string
	for p := range col.pages {
		items := col.pages[p].Items
		for i, item := range items {
			if !match(item) {
				continue
			}
			updated := fn(item)
			updated.ID = item.ID
			if updated.Equal(item) {
				continue
			}
			items[i] = updated
			changed = append(changed, item.ID)
		}
	}
	c.mu.Unlock()

	if len(changed) > 0 {
		c.notify(Event{Key: key, Kind: EventTransformed, IDs: changed})
	}
	return changed
}

// RemoveItems deletes the given IDs from whichever page holds them. Pages are
// kept even when they become empty. The returned removals are ordered by
// original position.
func (c *Cache) RemoveItems(key string, ids []string) []Removal {
	c.mu.Lock()
	col, ok := c.collections[key]
	if !ok || len(ids) == 0 {
		c.mu.Unlock()
		return nil
	}
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := col.index[id]; ok {
			remove[id] = struct{}{}
		}
	}
	if len(remove) == 0 {
		c.mu.Unlock()
		return nil
	}

	gen := c.generations[key]
	var removals []Removal
	for p := range col.pages {
		items := col.pages[p].Items
		kept := make([]mail.Item, 0, len(items))
		for i, item := range items {
			if _, ok := remove[item.ID]; !ok {
				kept = append(kept, item)
				continue
			}
			r := Removal{Item: item, Page: p, Index: i, generation: gen}
			if i > 0 {
				r.After = items[i-1].ID
			}
			removals = append(removals, r)
			delete(col.index, item.ID)
		}
		col.pages[p].Items = kept
	}
	c.mu.Unlock()

	removed := make([]string, 0, len(removals))
	for _, r := range removals {
		removed = append(removed, r.Item.ID)
	}
	c.notify(Event{Key: key, Kind: EventRemoved, IDs: removed})
	return removals
}

// InsertItems puts removed items back where they were. ok is false when any
// item could not be put back at its exact former position: the collection was
// invalidated since the removal, its page is gone, or its neighbour moved.
// Imprecise items are still placed at their clamped offset when their page
// exists.
func (c *Cache) InsertItems(key string, removals []Removal) (placed int, ok bool) {
	if len(removals) == 0 {
		return 0, true
	}
	sorted := slices.Clone(removals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Page != sorted[j].Page {
			return sorted[i].Page < sorted[j].Page
		}
		return sorted[i].Index < sorted[j].Index
	})

	c.mu.Lock()
	col, exists := c.collections[key]
	if !exists || c.generations[key] != sorted[0].generation {
		c.mu.Unlock()
		return 0, false
	}

	ok = true
	var inserted []string
	for _, r := range sorted {
		if _, dup := col.index[r.Item.ID]; dup {
			continue
		}
		if r.Page >= len(col.pages) {
			ok = false
			continue
		}
		items := col.pages[r.Page].Items
		pos, exact := insertPosition(items, r)
		if !exact {
			ok = false
		}
		col.pages[r.Page].Items = slices.Insert(items, pos, r.Item)
		col.index[r.Item.ID] = r.Page
		inserted = append(inserted, r.Item.ID)
	}
	c.mu.Unlock()

	if len(inserted) > 0 {
		c.notify(Event{Key: key, Kind: EventInserted, IDs: inserted})
	}
	return len(inserted), ok
}

func insertPosition(items []mail.Item, r Removal) (int, bool) {
	if r.After == "" {
		return 0, r.Index == 0
	}
	for i, item := range items {
		if item.ID == r.After {
			return i + 1, true
		}
	}
	return min(r.Index, len(items)), false
}

// Invalidate drops every page of the collection. The next read has to fetch
// from the beginning.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	var dropped []string
	if col, ok := c.collections[key]; ok {
		for _, page := range col.pages {
			for _, item := range page.Items {
				dropped = append(dropped, item.ID)
			}
		}
		delete(c.collections, key)
	}
	c.generations[key]++
	c.mu.Unlock()

	c.notify(Event{Key: key, Kind: EventInvalidated, IDs: dropped})
}

// SnapshotIDs returns every materialized ID in page order.
func (c *Cache) SnapshotIDs(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(col.index))
	for _, page := range col.pages {
		for _, item := range page.Items {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// Items returns every item in page order.
func (c *Cache) Items(key string) []mail.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return nil
	}
	items := make([]mail.Item, 0, len(col.index))
	for _, page := range col.pages {
		items = append(items, page.Items...)
	}
	return items
}

// Pages returns a copy of the collection's pages.
func (c *Cache) Pages(key string) []mail.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return nil
	}
	pages := make([]mail.Page, len(col.pages))
	for i, page := range col.pages {
		pages[i] = mail.Page{Items: slices.Clone(page.Items), Cursor: page.Cursor}
	}
	return pages
}

// Item looks up a single item.
func (c *Cache) Item(key, id string) (mail.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return mail.Item{}, false
	}
	p, ok := col.index[id]
	if !ok {
		return mail.Item{}, false
	}
	for _, item := range col.pages[p].Items {
		if item.ID == id {
			return item, true
		}
	}
	return mail.Item{}, false
}

// Contains reports whether id is materialized in the collection.
func (c *Cache) Contains(key, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return false
	}
	_, ok = col.index[id]
	return ok
}

// Len returns the number of materialized items.
func (c *Cache) Len(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return 0
	}
	return len(col.index)
}

// Loaded reports whether at least one page has been fetched.
func (c *Cache) Loaded(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	return ok && len(col.pages) > 0
}

// NextCursor returns the cursor of the last page, "" at the end or before the
// first fetch.
func (c *Cache) NextCursor(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok || len(col.pages) == 0 {
		return ""
	}
	return col.pages[len(col.pages)-1].Cursor
}

// HasMore reports whether another page can be fetched.
func (c *Cache) HasMore(key string) bool {
	return c.NextCursor(key) != ""
}

// SetTotal records the remote's size estimate for the collection.
func (c *Cache) SetTotal(key string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collectionLocked(key).total = total
}

// Total returns the remote's size estimate, never less than what is loaded.
func (c *Cache) Total(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[key]
	if !ok {
		return 0
	}
	return max(col.total, len(col.index))
}

// Generation changes every time the collection is invalidated.
func (c *Cache) Generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

// Keys returns the keys of all loaded collections, sorted.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.collections))
	for key := range c.collections {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
