// Package actions binds each user action to its optimistic cache change and
// the remote call that confirms it.
package actions

import (
	"context"
	"fmt"

	"go.withmatt.com/mailsync/internal/mail"
	"go.withmatt.com/mailsync/internal/mutation"
)

// Remote is the write side of the mail provider. Every call takes a list of
// item IDs; single-item actions pass one.
type Remote interface {
	ModifyLabels(ctx context.Context, ids []string, add, remove []string) error
	Trash(ctx context.Context, ids []string) error
	Restore(ctx context.Context, ids []string) error
}

// Definition is a declarative action.
type Definition struct {
	Name string
	// Verb completes "N emails <verb>".
	Verb    string
	change  func() mutation.Change
	remote  func(r Remote) func(ctx context.Context, ids []string) error
	refetch bool
}

func labelRemote(add, remove []string) func(Remote) func(context.Context, []string) error {
	return func(r Remote) func(context.Context, []string) error {
		return func(ctx context.Context, ids []string) error {
			return r.ModifyLabels(ctx, ids, add, remove)
		}
	}
}

var (
	MarkRead = Definition{
		Name:   "mark-read",
		Verb:   "marked as read",
		change: func() mutation.Change { return mutation.RemoveLabel(mail.LabelUnread) },
		remote: labelRemote(nil, []string{mail.LabelUnread}),
	}
	MarkUnread = Definition{
		Name:   "mark-unread",
		Verb:   "marked as unread",
		change: func() mutation.Change { return mutation.AddLabel(mail.LabelUnread) },
		remote: labelRemote([]string{mail.LabelUnread}, nil),
	}
	Star = Definition{
		Name:   "star",
		Verb:   "starred",
		change: func() mutation.Change { return mutation.AddLabel(mail.LabelStarred) },
		remote: labelRemote([]string{mail.LabelStarred}, nil),
	}
	Unstar = Definition{
		Name:   "unstar",
		Verb:   "unstarred",
		change: func() mutation.Change { return mutation.RemoveLabel(mail.LabelStarred) },
		remote: labelRemote(nil, []string{mail.LabelStarred}),
	}
	// Archive and Trash undo by reinsertion; when the former position can no
	// longer be trusted the executor refetches the collection instead.
	Archive = Definition{
		Name:   "archive",
		Verb:   "archived",
		change: mutation.RemoveItems,
		remote: labelRemote(nil, []string{mail.LabelInbox}),
	}
	Trash = Definition{
		Name:   "trash",
		Verb:   "moved to trash",
		change: mutation.RemoveItems,
		remote: func(r Remote) func(context.Context, []string) error { return r.Trash },
	}
	// Restore has no local prediction; the collection is refetched once the
	// remote call succeeds.
	Restore = Definition{
		Name:    "restore",
		Verb:    "restored",
		change:  mutation.NoChange,
		remote:  func(r Remote) func(context.Context, []string) error { return r.Restore },
		refetch: true,
	}
)

var all = []Definition{MarkRead, MarkUnread, Star, Unstar, Archive, Trash, Restore}

// All returns every action definition.
func All() []Definition {
	return append([]Definition(nil), all...)
}

// Lookup finds a definition by name.
func Lookup(name string) (Definition, bool) {
	for _, d := range all {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Mutation builds the executable mutation of this action for ids in key.
func (d Definition) Mutation(r Remote, key string, ids []string) mutation.Mutation {
	return mutation.Mutation{
		Name:             d.Name,
		Key:              key,
		IDs:              ids,
		Change:           d.change(),
		Remote:           d.remote(r),
		RefetchOnSuccess: d.refetch,
		Message:          d.Message,
	}
}

// Message is the success notification for n items.
func (d Definition) Message(n int) string {
	return fmt.Sprintf("%d %s %s", n, pluralEmails(n), d.Verb)
}

func pluralEmails(n int) string {
	if n == 1 {
		return "email"
	}
	return "emails"
}
