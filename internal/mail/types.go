// Package mail holds the value types shared by the cache, the mutation engine
// and the remote transports.
package mail

import "time"

// Well-known system labels. Presence of a label encodes state.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelInbox   = "INBOX"
	LabelTrash   = "TRASH"
)

// Item is a single email record as shown in a collection.
// Items are values: changing one means replacing it.
type Item struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	Labels   Labels    `json:"labels"`
	Date     time.Time `json:"date"`
	From     string    `json:"from"`
	Subject  string    `json:"subject"`
	Snippet  string    `json:"snippet"`
}

// Unread reports whether the item carries the UNREAD label.
func (i Item) Unread() bool {
	return i.Labels.Has(LabelUnread)
}

// Starred reports whether the item carries the STARRED label.
func (i Item) Starred() bool {
	return i.Labels.Has(LabelStarred)
}

// WithLabel returns a copy of the item with label added.
func (i Item) WithLabel(label string) Item {
	i.Labels = i.Labels.With(label)
	return i
}

// WithoutLabel returns a copy of the item with label removed.
func (i Item) WithoutLabel(label string) Item {
	i.Labels = i.Labels.Without(label)
	return i
}

// Equal reports whether two items hold the same values.
func (i Item) Equal(o Item) bool {
	return i.ID == o.ID &&
		i.ThreadID == o.ThreadID &&
		i.Date.Equal(o.Date) &&
		i.From == o.From &&
		i.Subject == o.Subject &&
		i.Snippet == o.Snippet &&
		i.Labels.Equal(o.Labels)
}

// Page is one fetched batch of items. An empty Cursor marks the end of the
// collection.
type Page struct {
	Items  []Item `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

// PageResult is what a remote list call returns.
type PageResult struct {
	Items      []Item
	NextCursor string
	// Total is the remote's estimate of the collection size, 0 if unknown.
	Total int
}

// Message is a single message of a thread, with body.
type Message struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Cc       string    `json:"cc,omitempty"`
	Subject  string    `json:"subject"`
	Date     time.Time `json:"date"`
	Snippet  string    `json:"snippet"`
	BodyText string    `json:"body_text,omitempty"`
	BodyHTML string    `json:"body_html,omitempty"`
	Labels   Labels    `json:"labels"`
}
