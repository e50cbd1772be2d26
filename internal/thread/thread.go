// Package thread loads the messages of the open thread. At most one fetch is
// live at a time: opening another thread aborts the previous fetch, and a
// response that arrives after its fetch was superseded is dropped.
package thread

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.withmatt.com/mailsync/internal/mail"
)

// Fetcher loads every message of a thread.
type Fetcher interface {
	GetThread(ctx context.Context, threadID string) ([]mail.Message, error)
}

// Navigation is where the identifier of the open item lives outside the
// process, e.g. a URL or a state file.
type Navigation interface {
	OpenItemID() (string, bool)
	SetOpenItemID(id string)
	ClearOpenItemID()
}

// Notifier is told about fetch failures.
type Notifier interface {
	OnError(msg string)
}

// State of the open thread.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// View is a snapshot of the open thread.
type View struct {
	ThreadID string
	State    State
	Messages []mail.Message
	Err      error
}

type nopNotifier struct{}

func (nopNotifier) OnError(string) {}

// Coordinator owns the open thread. It is safe for concurrent use.
type Coordinator struct {
	fetcher  Fetcher
	nav      Navigation
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	token    uint64
	threadID string
	state    State
	messages []mail.Message
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
	subs     map[int]func(View)
	nextSub  int
	wg       sync.WaitGroup
}

// New returns a coordinator fetching through f and recording the open item
// in nav.
func New(f Fetcher, nav Navigation) *Coordinator {
	return &Coordinator{
		fetcher:  f,
		nav:      nav,
		notifier: nopNotifier{},
		logger:   slog.Default(),
		subs:     make(map[int]func(View)),
	}
}

// WithLogger sets the logger.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	return c
}

// WithNotifier sets where fetch failures are reported.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// Subscribe registers fn to receive a view after every state change.
func (c *Coordinator) Subscribe(fn func(View)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator) publish(v View) {
	c.mu.Lock()
	subs := make([]func(View), 0, len(c.subs))
	for _, id := range slices.Sorted(maps.Keys(c.subs)) {
		subs = append(subs, c.subs[id])
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

// Open shows threadID. Opening the thread that is already loading or loaded
// does nothing; opening a different one aborts the fetch in flight.
func (c *Coordinator) Open(ctx context.Context, threadID string) {
	c.mu.Lock()
	if threadID == c.threadID && (c.state == StateLoading || c.state == StateLoaded) {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.logger.Debug("aborting thread fetch", "thread", c.threadID)
		c.cancel()
	}
	c.token++
	token := c.token
	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.threadID = threadID
	c.state = StateLoading
	c.messages = nil
	c.err = nil
	c.cancel = cancel
	c.done = done
	v := c.viewLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.nav.SetOpenItemID(threadID)
	c.publish(v)

	go func() {
		defer c.wg.Done()
		defer close(done)
		c.fetch(fctx, token, threadID)
	}()
}

func (c *Coordinator) fetch(ctx context.Context, token uint64, threadID string) {
	messages, err := c.fetcher.GetThread(ctx, threadID)

	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		c.logger.Debug("dropping superseded thread response", "thread", threadID)
		return
	}
	c.cancel()
	c.cancel = nil
	switch {
	case err == nil:
		c.state = StateLoaded
		c.messages = messages
	case mail.IsAborted(err):
		c.state = StateAborted
	default:
		c.state = StateErrored
		c.err = err
	}
	v := c.viewLocked()
	c.mu.Unlock()

	if v.State == StateErrored {
		c.logger.Error("thread fetch failed", "thread", threadID, "error", err)
		c.notifier.OnError("failed to load thread: " + err.Error())
	}
	c.publish(v)
}

// Close aborts any fetch in flight and clears the open thread.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.token++
	c.threadID = ""
	c.state = StateIdle
	c.messages = nil
	c.err = nil
	c.done = nil
	v := c.viewLocked()
	c.mu.Unlock()

	c.nav.ClearOpenItemID()
	c.publish(v)
}

// Resume opens whatever thread navigation says is open. It reports whether
// there was one.
func (c *Coordinator) Resume(ctx context.Context) bool {
	id, ok := c.nav.OpenItemID()
	if !ok || id == "" {
		return false
	}
	c.Open(ctx, id)
	return true
}

// View returns the current state.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Coordinator) viewLocked() View {
	return View{
		ThreadID: c.threadID,
		State:    c.state,
		Messages: slices.Clone(c.messages),
		Err:      c.err,
	}
}

// Wait blocks until the current fetch settles, following any thread opened
// meanwhile, and returns the resulting view.
func (c *Coordinator) Wait(ctx context.Context) (View, error) {
	for {
		c.mu.Lock()
		done := c.done
		if done == nil || c.state != StateLoading {
			v := c.viewLocked()
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return c.View(), ctx.Err()
		}
	}
}

// Stop aborts the fetch in flight and waits for every fetch goroutine to
// return. Navigation is left untouched so the thread can be resumed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.token++
	if c.state == StateLoading {
		c.state = StateAborted
	}
	c.mu.Unlock()
	c.wg.Wait()
}
