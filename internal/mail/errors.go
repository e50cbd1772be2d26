package mail

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted marks a request whose result was superseded before it could
// take effect. It is never shown to the user.
var ErrAborted = errors.New("request aborted")

// ErrPartial marks a remote write that failed after some of its items were
// already applied.
var ErrPartial = errors.New("partially applied")

// RemoteError is a failed remote call for a set of items.
type RemoteError struct {
	Op    string
	Count int
	// Partial is set when the remote may have applied the call to some of
	// the items.
	Partial bool
	Err     error
}

func (e *RemoteError) Error() string {
	noun := "email"
	if e.Count != 1 {
		noun = "emails"
	}
	return fmt.Sprintf("%s %d %s: %v", e.Op, e.Count, noun, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err comes from cancellation rather than a
// network or protocol failure.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
