// Package mutation applies user actions to the cache before the remote call
// confirms them, and undoes each one precisely if the call fails.
package mutation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.withmatt.com/mailsync/internal/cache"
	"go.withmatt.com/mailsync/internal/mail"
)

// DefaultTimeout bounds how long a mutation may stay in flight before it is
// rolled back as failed.
const DefaultTimeout = 30 * time.Second

// ErrAmbiguousRollback is logged when an undo could not restore the exact
// previous state and the collection is refetched instead.
var ErrAmbiguousRollback = errors.New("rollback could not restore exact state")

// Status is where a mutation is in its lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusApplying
	StatusSettling
	StatusConfirmed
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusApplying:
		return "applying"
	case StatusSettling:
		return "settling"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Notifier receives the user-facing outcome of each mutation.
type Notifier interface {
	OnSuccess(msg string)
	OnError(msg string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) OnSuccess(string) {}
func (NopNotifier) OnError(string)   {}

// Selections clears items from the selection once an action consumed them.
type Selections interface {
	Consume(key string, ids []string)
}

// Mutation describes one action on a set of items in one collection.
type Mutation struct {
	// Name is the action name used in logs and errors, e.g. "archive".
	Name   string
	Key    string
	IDs    []string
	Change Change
	Remote func(ctx context.Context, ids []string) error
	// RefetchOnSuccess invalidates the collection after the remote call
	// succeeds instead of trusting the optimistic state.
	RefetchOnSuccess bool
	// Message builds the success notification for n items. Optional.
	Message func(n int) string
}

// Result is the settled outcome of a mutation.
type Result struct {
	ID      uint64
	Name    string
	Status  Status
	Changed int
	Err     error
}

type record struct {
	id      uint64
	m       Mutation
	ids     map[string]struct{}
	targets []Slot
	undo    Undo
	status  Status
	result  Result
	done    chan struct{}
}

type slotKey struct {
	key   string
	id    string
	label string
}

type writer struct {
	seq       uint64
	confirmed bool
}

// Executor runs mutations. It is safe for concurrent use.
type Executor struct {
	cache      *cache.Cache
	selections Selections
	notifier   Notifier
	logger     *slog.Logger
	timeout    time.Duration
	refetch    func(key string)

	mu      sync.Mutex
	seq     uint64
	records map[uint64]*record
	// writers of each slot in application order, kept only while a pending
	// mutation could still roll back over them
	writers map[slotKey][]writer
	wg      sync.WaitGroup
}

// NewExecutor returns an executor that mutates c.
func NewExecutor(c *cache.Cache) *Executor {
	return &Executor{
		cache:    c,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
		records:  make(map[uint64]*record),
		writers:  make(map[slotKey][]writer),
	}
}

// WithLogger sets the logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// WithNotifier sets where outcomes are reported.
func (e *Executor) WithNotifier(n Notifier) *Executor {
	e.notifier = n
	return e
}

// WithSelections sets the selections cleared by each action.
func (e *Executor) WithSelections(s Selections) *Executor {
	e.selections = s
	return e
}

// WithTimeout sets the per-mutation timeout. Zero or less disables it.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	e.timeout = d
	return e
}

// WithRefetch sets the hook run after a collection is invalidated to
// restore consistency.
func (e *Executor) WithRefetch(fn func(key string)) *Executor {
	e.refetch = fn
	return e
}

// Execute applies m to the cache before returning, then settles it against
// the remote in the background.
func (e *Executor) Execute(ctx context.Context, m Mutation) *Pending {
	if m.Change == nil {
		m.Change = NoChange()
	}

	release := e.cache.Hold()
	e.mu.Lock()
	e.seq++
	rec := &record{
		id:     e.seq,
		m:      m,
		status: StatusApplying,
		done:   make(chan struct{}),
	}
	rec.ids = toSet(m.IDs)
	rec.targets = m.Change.Targets(m.IDs)
	rec.undo = m.Change.Apply(e.scopeLocked(rec), m.IDs)
	for _, slot := range rec.targets {
		sk := slotKey{key: m.Key, id: slot.ID, label: slot.Label}
		e.writers[sk] = append(e.writers[sk], writer{seq: rec.id})
	}
	rec.status = StatusSettling
	e.records[rec.id] = rec
	e.mu.Unlock()
	release()

	e.logger.Debug("mutation applied",
		"id", rec.id,
		"action", m.Name,
		"key", m.Key,
		"items", len(m.IDs),
		"changed", rec.undo.Changed(),
	)

	if e.selections != nil {
		e.selections.Consume(m.Key, m.IDs)
	}

	if len(m.IDs) == 0 || m.Remote == nil {
		e.confirm(rec)
		return &Pending{e: e, rec: rec}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.settle(ctx, rec)
	}()
	return &Pending{e: e, rec: rec}
}

func (e *Executor) settle(ctx context.Context, rec *record) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	err := rec.m.Remote(ctx, rec.m.IDs)
	if err == nil {
		e.confirm(rec)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("no response after %s: %w", e.timeout, err)
	}
	e.rollback(rec, &mail.RemoteError{
		Op:      rec.m.Name,
		Count:   len(rec.m.IDs),
		Partial: errors.Is(err, mail.ErrPartial),
		Err:     err,
	})
}

func (e *Executor) confirm(rec *record) {
	e.mu.Lock()
	rec.status = StatusConfirmed
	for _, slot := range rec.targets {
		sk := slotKey{key: rec.m.Key, id: slot.ID, label: slot.Label}
		ws := e.writers[sk]
		for i := range ws {
			if ws[i].seq == rec.id {
				ws[i].confirmed = true
			}
		}
		e.pruneSlotLocked(sk)
	}
	rec.result = Result{
		ID:      rec.id,
		Name:    rec.m.Name,
		Status:  StatusConfirmed,
		Changed: rec.undo.Changed(),
	}
	delete(e.records, rec.id)
	e.mu.Unlock()

	e.logger.Debug("mutation confirmed", "id", rec.id, "action", rec.m.Name)

	if rec.m.RefetchOnSuccess {
		e.invalidate(rec.m.Key)
	}
	if rec.m.Message != nil && len(rec.m.IDs) > 0 {
		e.notifier.OnSuccess(rec.m.Message(len(rec.m.IDs)))
	}
	close(rec.done)
}

func (e *Executor) rollback(rec *record, cause *mail.RemoteError) {
	release := e.cache.Hold()
	e.mu.Lock()
	// A partial failure leaves the remote somewhere between the two states,
	// so the local revert is only a placeholder until the refetch lands.
	exact := rec.undo.Revert(e.scopeLocked(rec)) && !cause.Partial
	for _, slot := range rec.targets {
		sk := slotKey{key: rec.m.Key, id: slot.ID, label: slot.Label}
		ws := e.writers[sk]
		kept := ws[:0]
		for _, w := range ws {
			if w.seq != rec.id {
				kept = append(kept, w)
			}
		}
		e.writers[sk] = kept
		e.pruneSlotLocked(sk)
	}
	rec.status = StatusRolledBack
	rec.result = Result{
		ID:      rec.id,
		Name:    rec.m.Name,
		Status:  StatusRolledBack,
		Changed: rec.undo.Changed(),
		Err:     cause,
	}
	delete(e.records, rec.id)
	e.mu.Unlock()
	release()

	e.logger.Info("mutation rolled back",
		"id", rec.id,
		"action", rec.m.Name,
		"key", rec.m.Key,
		"exact", exact,
		"partial", cause.Partial,
		"error", cause,
	)
	if !exact {
		e.logger.Warn("refetching collection", "key", rec.m.Key, "error", ErrAmbiguousRollback)
		e.invalidate(rec.m.Key)
	}
	e.notifier.OnError(cause.Error())
	close(rec.done)
}

// scopeLocked is what rec may touch: its own slots where no newer mutation
// wrote, and the item copies held by other unsettled removals on its key.
func (e *Executor) scopeLocked(rec *record) Scope {
	return Scope{
		Cache: e.cache,
		Key:   rec.m.Key,
		Owned: func(slot Slot) bool {
			sk := slotKey{key: rec.m.Key, id: slot.ID, label: slot.Label}
			for _, w := range e.writers[sk] {
				if w.seq > rec.id {
					return false
				}
			}
			return true
		},
		Held: func(id string, fn func(mail.Item) mail.Item) bool {
			for _, other := range e.records {
				if other == rec || other.m.Key != rec.m.Key || other.status != StatusSettling {
					continue
				}
				if h, ok := other.undo.(holder); ok && h.edit(id, fn) {
					return true
				}
			}
			return false
		},
	}
}

// pruneSlotLocked forgets a slot once no pending writer is left that could
// roll back over it.
func (e *Executor) pruneSlotLocked(sk slotKey) {
	for _, w := range e.writers[sk] {
		if !w.confirmed {
			return
		}
	}
	delete(e.writers, sk)
}

func (e *Executor) invalidate(key string) {
	e.cache.Invalidate(key)
	if e.refetch != nil {
		e.refetch(key)
	}
}

// Overlay replays the unsettled mutations on key onto freshly fetched items,
// oldest first, so a fetch racing a mutation does not show the state the
// mutation is changing. Items an unsettled mutation removes are dropped.
func (e *Executor) Overlay(key string, items []mail.Item) []mail.Item {
	e.mu.Lock()
	var pending []*record
	for _, rec := range e.records {
		if rec.m.Key == key && rec.status == StatusSettling {
			pending = append(pending, rec)
		}
	}
	e.mu.Unlock()
	if len(pending) == 0 {
		return items
	}
	slices.SortFunc(pending, func(a, b *record) int {
		return cmp.Compare(a.id, b.id)
	})

	out := make([]mail.Item, 0, len(items))
next:
	for _, item := range items {
		for _, rec := range pending {
			if _, ok := rec.ids[item.ID]; !ok {
				continue
			}
			o, ok := rec.m.Change.(Overlayer)
			if !ok {
				continue
			}
			var keep bool
			if item, keep = o.Overlay(item); !keep {
				continue next
			}
		}
		out = append(out, item)
	}
	return out
}

// Inflight returns the number of mutations that have not settled.
func (e *Executor) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Wait blocks until every in-flight mutation has settled.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Pending is a handle on an executed mutation.
type Pending struct {
	e   *Executor
	rec *record
}

// ID returns the mutation's identifier.
func (p *Pending) ID() uint64 {
	return p.rec.id
}

// Status returns the current lifecycle state.
func (p *Pending) Status() Status {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.rec.status
}

// Changed is the number of items the optimistic change altered.
func (p *Pending) Changed() int {
	return p.rec.undo.Changed()
}

// Done is closed once the mutation has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.rec.done
}

// Wait blocks until the mutation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.rec.done:
		p.e.mu.Lock()
		defer p.e.mu.Unlock()
		return p.rec.result, nil
	case <-ctx.Done():
		return Result{ID: p.rec.id, Name: p.rec.m.Name, Status: p.Status()}, ctx.Err()
	}
}
