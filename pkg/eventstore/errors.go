package eventstore

import (
	"context"
	"errors"
)

var (
	ErrDupEvent  = errors.New("duplicate: event already exists")
	ErrNotFound  = errors.New("event not known by any source of this node")
	ErrEphemeral = errors.New("ephemeral events are not stored")
	ErrClosed    = errors.New("store is closed")
)

// IsCanceled distinguishes a fired context from a backend failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
