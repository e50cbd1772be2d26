// Package mailtest provides an in-memory mail remote for tests.
package mailtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.withmatt.com/mailsync/internal/mail"
)

// ModifyCall records one ModifyLabels request.
type ModifyCall struct {
	IDs    []string
	Add    []string
	Remove []string
}

// Remote is a fake mail server. Collections are label filters over a single
// ordered set of items; writes change that set the way the real provider
// would.
type Remote struct {
	mu sync.Mutex

	// PageSize is the number of items per listed page. Defaults to 20.
	PageSize int
	// Tabs maps a collection key to the label its items must carry.
	Tabs map[string]string

	items   map[string]mail.Item
	order   []string
	threads map[string][]mail.Message

	// Error injection
	ListError    error
	ModifyError  error
	TrashError   error
	RestoreError error
	ThreadErrors map[string]error
	// FailAfter makes writes apply only their first n items and then fail
	// with an error wrapping mail.ErrPartial. Zero disables it.
	FailAfter int

	// Gates hold a call until the channel is closed or receives. Keyed by
	// operation name ("modify", "trash", "restore") or "thread:<id>".
	Gates map[string]chan struct{}
	// IgnoreCancel makes gated thread fetches wait for their gate even after
	// their context is canceled, simulating a response that arrives late.
	IgnoreCancel bool

	// Call tracking for assertions
	ListCalls    []string
	ThreadCalls  []string
	ModifyCalls  []ModifyCall
	TrashCalls   [][]string
	RestoreCalls [][]string
}

// NewRemote returns an empty fake with inbox, starred and trash tabs.
func NewRemote() *Remote {
	return &Remote{
		PageSize: 20,
		Tabs: map[string]string{
			"inbox":   mail.LabelInbox,
			"starred": mail.LabelStarred,
			"trash":   mail.LabelTrash,
		},
		items:        make(map[string]mail.Item),
		threads:      make(map[string][]mail.Message),
		ThreadErrors: make(map[string]error),
		Gates:        make(map[string]chan struct{}),
	}
}

// AddItems stores items on the server in listing order.
func (r *Remote) AddItems(items ...mail.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if _, ok := r.items[item.ID]; !ok {
			r.order = append(r.order, item.ID)
		}
		r.items[item.ID] = item
	}
}

// AddThread stores the messages returned for threadID.
func (r *Remote) AddThread(threadID string, messages ...mail.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[threadID] = messages
}

// Item returns the server's copy of an item.
func (r *Remote) Item(id string) (mail.Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	return item, ok
}

// Hold installs a gate for op and returns a function that releases it.
func (r *Remote) Hold(op string) (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.Gates[op] = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (r *Remote) wait(ctx context.Context, op string, ignoreCancel bool) error {
	r.mu.Lock()
	ch, ok := r.Gates[op]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if ignoreCancel {
		<-ch
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListPage returns the page of key starting at cursor.
func (r *Remote) ListPage(ctx context.Context, key, cursor string) (mail.PageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ListCalls = append(r.ListCalls, key+"@"+cursor)

	if r.ListError != nil {
		return mail.PageResult{}, r.ListError
	}
	label, ok := r.Tabs[key]
	if !ok {
		return mail.PageResult{}, fmt.Errorf("unknown collection %q", key)
	}

	var matching []mail.Item
	for _, id := range r.order {
		item := r.items[id]
		if !item.Labels.Has(label) {
			continue
		}
		if label != mail.LabelTrash && item.Labels.Has(mail.LabelTrash) {
			continue
		}
		matching = append(matching, item)
	}

	start := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "offset_%d", &start); err != nil {
			return mail.PageResult{}, fmt.Errorf("invalid cursor: %s", cursor)
		}
	}
	size := r.PageSize
	if size <= 0 {
		size = 20
	}
	start = min(start, len(matching))
	end := min(start+size, len(matching))
	res := mail.PageResult{
		Items: slices.Clone(matching[start:end]),
		Total: len(matching),
	}
	if end < len(matching) {
		res.NextCursor = fmt.Sprintf("offset_%d", end)
	}
	return res, nil
}

// GetThread returns the messages stored for threadID.
func (r *Remote) GetThread(ctx context.Context, threadID string) ([]mail.Message, error) {
	r.mu.Lock()
	r.ThreadCalls = append(r.ThreadCalls, threadID)
	ignore := r.IgnoreCancel
	r.mu.Unlock()

	if err := r.wait(ctx, "thread:"+threadID, ignore); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ThreadErrors[threadID]; err != nil {
		return nil, err
	}
	messages, ok := r.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	return slices.Clone(messages), nil
}

// ModifyLabels adds and removes labels on the server's items.
func (r *Remote) ModifyLabels(ctx context.Context, ids []string, add, remove []string) error {
	r.mu.Lock()
	r.ModifyCalls = append(r.ModifyCalls, ModifyCall{IDs: slices.Clone(ids), Add: add, Remove: remove})
	r.mu.Unlock()

	if err := r.wait(ctx, "modify", false); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ModifyError != nil {
		return r.ModifyError
	}
	return r.relabelLocked(ids, add, remove)
}

// Trash moves the items to trash.
func (r *Remote) Trash(ctx context.Context, ids []string) error {
	r.mu.Lock()
	r.TrashCalls = append(r.TrashCalls, slices.Clone(ids))
	r.mu.Unlock()

	if err := r.wait(ctx, "trash", false); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TrashError != nil {
		return r.TrashError
	}
	return r.relabelLocked(ids, []string{mail.LabelTrash}, []string{mail.LabelInbox})
}

// Restore moves the items out of trash and back to the inbox.
func (r *Remote) Restore(ctx context.Context, ids []string) error {
	r.mu.Lock()
	r.RestoreCalls = append(r.RestoreCalls, slices.Clone(ids))
	r.mu.Unlock()

	if err := r.wait(ctx, "restore", false); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RestoreError != nil {
		return r.RestoreError
	}
	return r.relabelLocked(ids, []string{mail.LabelInbox}, []string{mail.LabelTrash})
}

func (r *Remote) relabelLocked(ids []string, add, remove []string) error {
	for i, id := range ids {
		if r.FailAfter > 0 && i == r.FailAfter {
			return fmt.Errorf("%w after %d of %d items: connection reset", mail.ErrPartial, i, len(ids))
		}
		item, ok := r.items[id]
		if !ok {
			continue
		}
		for _, label := range add {
			item = item.WithLabel(label)
		}
		for _, label := range remove {
			item = item.WithoutLabel(label)
		}
		r.items[id] = item
	}
	return nil
}

// Items builds n inbox items named prefix00, prefix01, ... with extra labels.
func Items(prefix string, n int, labels ...string) []mail.Item {
	items := make([]mail.Item, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%02d", prefix, i)
		items = append(items, mail.Item{
			ID:       id,
			ThreadID: "thread-" + id,
			Labels:   mail.NewLabels(append([]string{mail.LabelInbox}, labels...)...),
			Subject:  "Subject " + id,
			From:     "sender@example.com",
		})
	}
	return items
}
