package selection

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.withmatt.com/mailsync/internal/cache"
	"go.withmatt.com/mailsync/internal/mail"
)

func page(prefix string, n int) []mail.Item {
	items := make([]mail.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, mail.Item{ID: fmt.Sprintf("%s%02d", prefix, i)})
	}
	return items
}

func TestResolveExplicitInCollectionOrder(t *testing.T) {
	c := cache.New()
	c.AppendPage("inbox", page("a", 5), "")
	m := New("inbox")

	m.Select("a03", "a01", "missing")

	want := []string{"a01", "a03"}
	if diff := cmp.Diff(want, m.Resolve(c)); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectAllResolvesLazily(t *testing.T) {
	c := cache.New()
	m := New("inbox")

	// Selecting before anything is fetched must not pin an empty snapshot.
	m.SelectAll()
	if got := m.Count(c); got != 0 {
		t.Fatalf("Count before fetch = %d, want 0", got)
	}

	c.AppendPage("inbox", page("a", 20), "p2")
	c.AppendPage("inbox", page("b", 20), "")

	if got := m.Count(c); got != 40 {
		t.Fatalf("Count after fetch = %d, want 40", got)
	}
}

func TestSelectAllWithExclusions(t *testing.T) {
	c := cache.New()
	c.AppendPage("inbox", page("a", 3), "")
	m := New("inbox")
	m.SelectAll()
	m.Toggle("a01")

	if m.Selected("a01") {
		t.Error("a01 should be excluded")
	}
	if diff := cmp.Diff([]string{"a00", "a02"}, m.Resolve(c)); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestConsumeClearsExhaustedAll(t *testing.T) {
	c := cache.New()
	c.AppendPage("inbox", page("a", 3), "p2")
	m := New("inbox")
	m.SelectAll()

	m.Consume(c, m.Resolve(c))

	if m.IsAll() || !m.Empty() {
		t.Fatal("selection should be cleared after acting on everything")
	}
	c.AppendPage("inbox", page("b", 2), "")
	if got := m.Count(c); got != 0 {
		t.Errorf("later page picked up by finished selection: %d", got)
	}
}

func TestConsumePartialKeepsAll(t *testing.T) {
	c := cache.New()
	c.AppendPage("inbox", page("a", 3), "")
	m := New("inbox")
	m.SelectAll()

	m.Consume(c, []string{"a00"})

	if !m.IsAll() {
		t.Fatal("selection left all mode")
	}
	if got := m.Count(c); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestRegistryPrunesRemovedIDs(t *testing.T) {
	c := cache.New()
	c.AppendPage("inbox", page("a", 4), "")
	r := NewRegistry(c)
	defer r.Close()

	m := r.For("inbox")
	m.Select("a00", "a02")
	c.RemoveItems("inbox", []string{"a02"})

	if m.Selected("a02") {
		t.Error("removed id still selected")
	}
	if !m.Selected("a00") {
		t.Error("untouched id was pruned")
	}

	c.Invalidate("inbox")
	if !m.Empty() {
		t.Error("invalidate should prune the whole explicit selection")
	}
}

func TestRegistryScopesByKey(t *testing.T) {
	c := cache.New()
	r := NewRegistry(c)
	defer r.Close()

	r.For("inbox").Select("x")
	if !r.For("starred").Empty() {
		t.Fatal("selection leaked across keys")
	}
	if r.For("inbox") != r.For("inbox") {
		t.Fatal("For should return the same model")
	}
}
