// Package mailbox ties the collection cache, selections, optimistic actions
// and the open thread together for one account.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.withmatt.com/mailsync/internal/actions"
	"go.withmatt.com/mailsync/internal/cache"
	"go.withmatt.com/mailsync/internal/mail"
	"go.withmatt.com/mailsync/internal/mutation"
	"go.withmatt.com/mailsync/internal/nav"
	"go.withmatt.com/mailsync/internal/selection"
	"go.withmatt.com/mailsync/internal/store"
	"go.withmatt.com/mailsync/internal/thread"
)

// ErrEmptySelection is returned when an action is applied to a selection
// that resolves to nothing.
var ErrEmptySelection = errors.New("nothing selected")

// Remote is everything the mailbox needs from the mail provider.
type Remote interface {
	ListPage(ctx context.Context, key, cursor string) (mail.PageResult, error)
	thread.Fetcher
	actions.Remote
}

// Store persists collections between runs.
type Store interface {
	Save(ctx context.Context, account, key string, pages []mail.Page, total int) error
	Load(ctx context.Context, account, key string) (store.Snapshot, bool, error)
}

// Options configures a Mailbox. Every field is optional.
type Options struct {
	Account    string
	Store      Store
	Navigation thread.Navigation
	Notifier   mutation.Notifier
	Logger     *slog.Logger
	// MutationTimeout bounds each remote write. Zero uses
	// mutation.DefaultTimeout; negative disables the limit.
	MutationTimeout time.Duration
}

// Mailbox owns the cache of one account. It is safe for concurrent use.
type Mailbox struct {
	account    string
	remote     Remote
	store      Store
	notifier   mutation.Notifier
	logger     *slog.Logger
	cache      *cache.Cache
	selections *selection.Registry
	exec       *mutation.Executor
	threads    *thread.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	fetching map[string]uint64
	warmed   map[string]bool
}

// New returns a mailbox backed by remote. Background work runs until ctx is
// done or Close is called.
func New(ctx context.Context, remote Remote, opts Options) *Mailbox {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = mutation.NopNotifier{}
	}
	if opts.Navigation == nil {
		opts.Navigation = &nav.Memory{}
	}
	timeout := opts.MutationTimeout
	switch {
	case timeout == 0:
		timeout = mutation.DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	m := &Mailbox{
		account:  opts.Account,
		remote:   remote,
		store:    opts.Store,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		cache:    cache.New(),
		fetching: make(map[string]uint64),
		warmed:   make(map[string]bool),
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.selections = selection.NewRegistry(m.cache)
	m.exec = mutation.NewExecutor(m.cache).
		WithLogger(opts.Logger).
		WithNotifier(opts.Notifier).
		WithSelections(m.selections).
		WithTimeout(timeout).
		WithRefetch(m.scheduleRefetch)
	m.threads = thread.New(remote, opts.Navigation).
		WithLogger(opts.Logger).
		WithNotifier(opts.Notifier)
	return m
}

// Load makes sure key has at least its first page, restoring it from the
// store on first use when possible.
func (m *Mailbox) Load(ctx context.Context, key string) error {
	if m.cache.Loaded(key) {
		return nil
	}
	if m.warm(ctx, key) {
		return nil
	}
	return m.fetch(ctx, key, "")
}

func (m *Mailbox) warm(ctx context.Context, key string) bool {
	m.mu.Lock()
	done := m.warmed[key]
	m.warmed[key] = true
	m.mu.Unlock()
	if done || m.store == nil {
		return false
	}

	snap, ok, err := m.store.Load(ctx, m.account, key)
	if err != nil {
		m.logger.Warn("loading stored collection", "key", key, "error", err)
		return false
	}
	if !ok || len(snap.Pages) == 0 {
		return false
	}
	n := m.cache.Restore(key, snap.Pages, snap.Total)
	m.logger.Debug("restored collection", "key", key, "items", n, "saved_at", snap.SavedAt)
	return true
}

// LoadMore fetches the next page of key. It does nothing once the end of
// the collection has been reached.
func (m *Mailbox) LoadMore(ctx context.Context, key string) error {
	if !m.cache.Loaded(key) {
		return m.Load(ctx, key)
	}
	cursor := m.cache.NextCursor(key)
	if cursor == "" {
		return nil
	}
	return m.fetch(ctx, key, cursor)
}

// Refresh drops everything loaded for key and fetches its first page.
func (m *Mailbox) Refresh(ctx context.Context, key string) error {
	m.mu.Lock()
	m.warmed[key] = true
	m.mu.Unlock()
	m.cache.Invalidate(key)
	return m.fetch(ctx, key, "")
}

func (m *Mailbox) fetch(ctx context.Context, key, cursor string) error {
	gen := m.cache.Generation(key)

	m.mu.Lock()
	if g, busy := m.fetching[key]; busy && g == gen {
		m.mu.Unlock()
		m.logger.Debug("fetch already in flight", "key", key)
		return nil
	}
	m.fetching[key] = gen
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.fetching[key] == gen {
			delete(m.fetching, key)
		}
		m.mu.Unlock()
	}()

	res, err := m.remote.ListPage(ctx, key, cursor)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}

	items := m.exec.Overlay(key, res.Items)
	added, ok := m.cache.AppendPageAt(key, gen, items, res.NextCursor)
	if !ok {
		m.logger.Debug("dropping page fetched before invalidate", "key", key, "cursor", cursor)
		return nil
	}
	m.cache.SetTotal(key, res.Total)
	m.logger.Debug("fetched page",
		"key", key,
		"cursor", cursor,
		"added", added,
		"total", res.Total,
	)
	m.persist(ctx, key)
	return nil
}

// scheduleRefetch reloads key from the start in the background after the
// executor invalidated it.
func (m *Mailbox) scheduleRefetch(key string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.fetch(m.ctx, key, ""); err != nil {
			if mail.IsAborted(err) {
				return
			}
			m.logger.Error("refetch failed", "key", key, "error", err)
			m.notifier.OnError(fmt.Sprintf("failed to refresh %s: %v", key, err))
		}
	}()
}

// persist saves key once no mutation is left in flight, so the stored copy
// never carries unconfirmed changes.
func (m *Mailbox) persist(ctx context.Context, key string) {
	if m.store == nil || m.exec.Inflight() > 0 || !m.cache.Loaded(key) {
		return
	}
	if err := m.store.Save(ctx, m.account, key, m.cache.Pages(key), m.cache.Total(key)); err != nil {
		m.logger.Warn("saving collection", "key", key, "error", err)
	}
}

// Apply runs action on ids of collection key. The cache reflects the action
// when Apply returns; the returned handle settles once the remote answers.
func (m *Mailbox) Apply(def actions.Definition, key string, ids []string) *mutation.Pending {
	p := m.exec.Execute(m.ctx, def.Mutation(m.remote, key, ids))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-p.Done():
			m.persist(m.ctx, key)
		case <-m.ctx.Done():
		}
	}()
	return p
}

// ApplySelection runs action on whatever the selection of key denotes right
// now.
func (m *Mailbox) ApplySelection(def actions.Definition, key string) (*mutation.Pending, error) {
	ids := m.selections.For(key).Resolve(m.cache)
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	return m.Apply(def, key, ids), nil
}

// Selection returns the selection of key.
func (m *Mailbox) Selection(key string) *selection.Model {
	return m.selections.For(key)
}

// SelectionSummary describes the selection of key for display, e.g.
// "3 selected" or "50 of 1200 selected". Empty when nothing is selected.
func (m *Mailbox) SelectionSummary(key string) string {
	sel := m.selections.For(key)
	n := sel.Count(m.cache)
	if !sel.IsAll() {
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("%d selected", n)
	}
	return fmt.Sprintf("%d of %d selected", n, m.cache.Total(key))
}

// Items returns the loaded items of key in order.
func (m *Mailbox) Items(key string) []mail.Item {
	return m.cache.Items(key)
}

// Item returns a loaded item of key.
func (m *Mailbox) Item(key, id string) (mail.Item, bool) {
	return m.cache.Item(key, id)
}

// HasMore reports whether key has pages left to fetch.
func (m *Mailbox) HasMore(key string) bool {
	return m.cache.HasMore(key)
}

// Total is the remote's estimate of the size of key.
func (m *Mailbox) Total(key string) int {
	return m.cache.Total(key)
}

// Subscribe registers fn for every change to the cache.
func (m *Mailbox) Subscribe(fn func(cache.Event)) (cancel func()) {
	return m.cache.Subscribe(fn)
}

// OpenThread shows threadID and marks its unread items in key as read.
// The returned handle is nil when nothing needed marking.
func (m *Mailbox) OpenThread(key, threadID string) *mutation.Pending {
	m.threads.Open(m.ctx, threadID)

	var unread []string
	for _, item := range m.cache.Items(key) {
		if item.ThreadID == threadID && item.Unread() {
			unread = append(unread, item.ID)
		}
	}
	if len(unread) == 0 {
		return nil
	}
	return m.Apply(actions.MarkRead, key, unread)
}

// CloseThread hides the open thread.
func (m *Mailbox) CloseThread() {
	m.threads.Close()
}

// ResumeThread reopens the thread navigation says was open.
func (m *Mailbox) ResumeThread() bool {
	return m.threads.Resume(m.ctx)
}

// Thread returns the open thread.
func (m *Mailbox) Thread() thread.View {
	return m.threads.View()
}

// WaitThread blocks until the open thread has loaded or failed.
func (m *Mailbox) WaitThread(ctx context.Context) (thread.View, error) {
	return m.threads.Wait(ctx)
}

// Wait blocks until every mutation has settled and the background work it
// caused has finished.
func (m *Mailbox) Wait() {
	m.exec.Wait()
	m.wg.Wait()
}

// Close waits for outstanding work, then stops the mailbox.
func (m *Mailbox) Close() {
	m.Wait()
	m.cancel()
	m.threads.Stop()
	m.selections.Close()
}
