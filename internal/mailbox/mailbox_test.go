package mailbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.withmatt.com/mailsync/internal/actions"
	"go.withmatt.com/mailsync/internal/cache"
	"go.withmatt.com/mailsync/internal/mail"
	"go.withmatt.com/mailsync/internal/mail/mailtest"
	"go.withmatt.com/mailsync/internal/mutation"
	"go.withmatt.com/mailsync/internal/nav"
	"go.withmatt.com/mailsync/internal/store"
	"go.withmatt.com/mailsync/internal/thread"
)

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *recordingNotifier) OnSuccess(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *recordingNotifier) OnError(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

func newMailbox(t *testing.T, remote *mailtest.Remote, opts Options) (*Mailbox, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	opts.Notifier = n
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Account == "" {
		opts.Account = "me@example.com"
	}
	m := New(context.Background(), remote, opts)
	t.Cleanup(m.Close)
	return m, n
}

func ids(items []mail.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func settle(t *testing.T, p *mutation.Pending) mutation.Result {
	t.Helper()
	if p == nil {
		t.Fatal("no mutation was started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestLoadAndLoadMore(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.PageSize = 20
	remote.AddItems(mailtest.Items("a", 45)...)
	m, _ := newMailbox(t, remote, Options{})
	ctx := context.Background()

	if err := m.Load(ctx, "inbox"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(m.Items("inbox")); got != 20 {
		t.Fatalf("after Load: %d items", got)
	}
	if m.Total("inbox") != 45 || !m.HasMore("inbox") {
		t.Fatalf("total=%d more=%v", m.Total("inbox"), m.HasMore("inbox"))
	}
	// Load on a loaded collection does not refetch.
	if err := m.Load(ctx, "inbox"); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if err := m.LoadMore(ctx, "inbox"); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
	}
	if got := len(m.Items("inbox")); got != 45 {
		t.Errorf("after LoadMore: %d items", got)
	}
	want := []string{"inbox@", "inbox@offset_20", "inbox@offset_40"}
	if diff := cmp.Diff(want, remote.ListCalls); diff != "" {
		t.Errorf("ListCalls mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadError(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.ListError = errors.New("offline")
	m, _ := newMailbox(t, remote, Options{})

	err := m.Load(context.Background(), "inbox")
	if err == nil || !errors.Is(err, remote.ListError) {
		t.Fatalf("err = %v", err)
	}
}

func TestWarmStartFromStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	remote := mailtest.NewRemote()
	remote.PageSize = 5
	remote.AddItems(mailtest.Items("a", 8)...)

	first, _ := newMailbox(t, remote, Options{Store: db})
	if err := first.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}
	if err := first.LoadMore(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}
	calls := len(remote.ListCalls)

	second, _ := newMailbox(t, remote, Options{Store: db})
	if err := second.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}
	if len(remote.ListCalls) != calls {
		t.Errorf("warm start hit the remote: %v", remote.ListCalls)
	}
	if diff := cmp.Diff(ids(first.Items("inbox")), ids(second.Items("inbox"))); diff != "" {
		t.Errorf("restored items mismatch (-want +got):\n%s", diff)
	}
	if second.Total("inbox") != 8 {
		t.Errorf("restored total = %d", second.Total("inbox"))
	}

	// Refresh ignores the stored copy.
	if err := second.Refresh(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}
	if len(remote.ListCalls) != calls+1 {
		t.Errorf("Refresh did not fetch: %v", remote.ListCalls)
	}
}

func TestPersistAfterSettle(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 3)...)
	m, _ := newMailbox(t, remote, Options{Store: db})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	settle(t, m.Apply(actions.Archive, "inbox", []string{"a01"}))
	m.Wait()

	snap, ok, err := db.Load(context.Background(), "me@example.com", "inbox")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	var stored []string
	for _, page := range snap.Pages {
		stored = append(stored, ids(page.Items)...)
	}
	if diff := cmp.Diff([]string{"a00", "a02"}, stored); diff != "" {
		t.Errorf("stored mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectAllCoversPagesLoadedLater(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.PageSize = 20
	remote.AddItems(mailtest.Items("a", 60)...)
	m, _ := newMailbox(t, remote, Options{})
	ctx := context.Background()

	if err := m.Load(ctx, "inbox"); err != nil {
		t.Fatal(err)
	}
	m.Selection("inbox").SelectAll()
	if got := m.SelectionSummary("inbox"); got != "20 of 60 selected" {
		t.Errorf("summary = %q", got)
	}
	if err := m.LoadMore(ctx, "inbox"); err != nil {
		t.Fatal(err)
	}
	if got := m.SelectionSummary("inbox"); got != "40 of 60 selected" {
		t.Errorf("summary after LoadMore = %q", got)
	}

	res := settle(t, mustApplySelection(t, m, actions.Trash, "inbox"))
	if res.Changed != 40 {
		t.Errorf("trashed %d, want 40", res.Changed)
	}
	if got := len(m.Items("inbox")); got != 0 {
		t.Errorf("%d items left", got)
	}
	if got := m.SelectionSummary("inbox"); got != "" {
		t.Errorf("selection left after bulk action: %q", got)
	}
	if _, err := m.ApplySelection(actions.Trash, "inbox"); !errors.Is(err, ErrEmptySelection) {
		t.Errorf("err = %v, want ErrEmptySelection", err)
	}
	if len(remote.TrashCalls) != 1 || len(remote.TrashCalls[0]) != 40 {
		t.Errorf("TrashCalls = %d calls", len(remote.TrashCalls))
	}
}

func mustApplySelection(t *testing.T, m *Mailbox, def actions.Definition, key string) *mutation.Pending {
	t.Helper()
	p, err := m.ApplySelection(def, key)
	if err != nil {
		t.Fatalf("ApplySelection: %v", err)
	}
	return p
}

func TestExplicitSelectionSummary(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 5)...)
	m, _ := newMailbox(t, remote, Options{})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	if got := m.SelectionSummary("inbox"); got != "" {
		t.Errorf("empty summary = %q", got)
	}
	m.Selection("inbox").Select("a01", "a03")
	if got := m.SelectionSummary("inbox"); got != "2 selected" {
		t.Errorf("summary = %q", got)
	}
}

func TestRefreshKeepsPendingChanges(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 3, mail.LabelUnread)...)
	m, _ := newMailbox(t, remote, Options{})
	ctx := context.Background()
	if err := m.Load(ctx, "inbox"); err != nil {
		t.Fatal(err)
	}

	releaseModify := remote.Hold("modify")
	releaseTrash := remote.Hold("trash")
	read := m.Apply(actions.MarkRead, "inbox", []string{"a00"})
	trash := m.Apply(actions.Trash, "inbox", []string{"a02"})

	// The server has applied neither yet.
	if err := m.Refresh(ctx, "inbox"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a00", "a01"}, ids(m.Items("inbox"))); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if item, _ := m.Item("inbox", "a00"); item.Unread() {
		t.Error("refresh brought back UNREAD on a pending mark-read")
	}

	releaseModify()
	releaseTrash()
	settle(t, read)
	settle(t, trash)
}

func TestRestoreRefetchesTrash(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 3, mail.LabelTrash)...)
	m, n := newMailbox(t, remote, Options{})
	if err := m.Load(context.Background(), "trash"); err != nil {
		t.Fatal(err)
	}

	settle(t, m.Apply(actions.Restore, "trash", []string{"a01"}))
	m.Wait()

	if diff := cmp.Diff([]string{"a00", "a02"}, ids(m.Items("trash"))); diff != "" {
		t.Errorf("trash mismatch (-want +got):\n%s", diff)
	}
	if n.errorCount() != 0 {
		t.Errorf("errors = %v", n.errors)
	}
}

func TestFailedArchiveRestoresAndNotifies(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 4)...)
	remote.ModifyError = errors.New("500 backend")
	m, n := newMailbox(t, remote, Options{})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	res := settle(t, m.Apply(actions.Archive, "inbox", []string{"a01", "a02"}))

	if res.Status != mutation.StatusRolledBack {
		t.Fatalf("status = %v", res.Status)
	}
	if diff := cmp.Diff([]string{"a00", "a01", "a02", "a03"}, ids(m.Items("inbox"))); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if n.errorCount() != 1 {
		t.Errorf("errors = %v", n.errors)
	}
}

func TestOpenThreadMarksRead(t *testing.T) {
	remote := mailtest.NewRemote()
	items := mailtest.Items("a", 2, mail.LabelUnread)
	remote.AddItems(items...)
	remote.AddThread(items[0].ThreadID, mail.Message{ID: "a00", ThreadID: items[0].ThreadID})
	var n nav.Memory
	m, _ := newMailbox(t, remote, Options{Navigation: &n})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	p := m.OpenThread("inbox", items[0].ThreadID)
	if item, _ := m.Item("inbox", "a00"); item.Unread() {
		t.Error("opened item still unread")
	}
	if item, _ := m.Item("inbox", "a01"); !item.Unread() {
		t.Error("other item marked read")
	}
	settle(t, p)

	v, err := m.WaitThread(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.State != thread.StateLoaded || len(v.Messages) != 1 {
		t.Errorf("thread view = %+v", v)
	}
	if id, _ := n.OpenItemID(); id != items[0].ThreadID {
		t.Errorf("navigation = %q", id)
	}

	// Already read: reopening starts no mutation.
	if p := m.OpenThread("inbox", items[0].ThreadID); p != nil {
		t.Error("reopening a read thread started a mutation")
	}

	m.CloseThread()
	if m.Thread().State != thread.StateIdle {
		t.Errorf("state after close = %v", m.Thread().State)
	}
	if m.ResumeThread() {
		t.Error("ResumeThread reopened a closed thread")
	}
}

func TestPartialTrashRefetches(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 5)...)
	remote.FailAfter = 2
	m, n := newMailbox(t, remote, Options{})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	res := settle(t, m.Apply(actions.Trash, "inbox", []string{"a00", "a01", "a03"}))
	m.Wait()

	if res.Status != mutation.StatusRolledBack || !errors.Is(res.Err, mail.ErrPartial) {
		t.Fatalf("result = %+v, want partial rollback", res)
	}
	if diff := cmp.Diff([]string{"a02", "a03", "a04"}, ids(m.Items("inbox"))); diff != "" {
		t.Errorf("items should match the server (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"inbox@", "inbox@"}, remote.ListCalls); diff != "" {
		t.Errorf("list calls mismatch (-want +got):\n%s", diff)
	}
	if n.errorCount() != 1 {
		t.Errorf("errors = %v", n.errors)
	}
}

func TestOpenThreadThenArchiveBothFail(t *testing.T) {
	remote := mailtest.NewRemote()
	items := mailtest.Items("a", 3, mail.LabelUnread)
	remote.AddItems(items...)
	remote.AddThread(items[1].ThreadID, mail.Message{ID: "a01", ThreadID: items[1].ThreadID})
	m, _ := newMailbox(t, remote, Options{})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	release := remote.Hold("modify")
	read := m.OpenThread("inbox", items[1].ThreadID)
	archive := m.Apply(actions.Archive, "inbox", []string{"a01"})
	if _, ok := m.Item("inbox", "a01"); ok {
		t.Fatal("archived item still listed")
	}
	remote.ModifyError = errors.New("503 unavailable")
	release()
	settle(t, read)
	settle(t, archive)
	m.Wait()

	item, ok := m.Item("inbox", "a01")
	if !ok {
		t.Fatal("item missing after both actions failed")
	}
	if !item.Unread() {
		t.Error("item came back read although mark-read failed")
	}
	if diff := cmp.Diff([]string{"a00", "a01", "a02"}, ids(m.Items("inbox"))); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriberCanApply(t *testing.T) {
	remote := mailtest.NewRemote()
	remote.AddItems(mailtest.Items("a", 3, mail.LabelUnread)...)
	m, _ := newMailbox(t, remote, Options{})
	if err := m.Load(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	followUp := make(chan *mutation.Pending, 1)
	var once sync.Once
	m.Subscribe(func(ev cache.Event) {
		if ev.Kind != cache.EventRemoved {
			return
		}
		once.Do(func() {
			followUp <- m.Apply(actions.MarkRead, "inbox", []string{"a02"})
		})
	})

	done := make(chan *mutation.Pending, 1)
	go func() { done <- m.Apply(actions.Archive, "inbox", []string{"a00"}) }()
	var archive *mutation.Pending
	select {
	case archive = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply blocked on a subscriber that applies another action")
	}
	settle(t, archive)
	settle(t, <-followUp)

	if item, _ := m.Item("inbox", "a02"); item.Unread() {
		t.Error("follow-up mark-read not applied")
	}
}
