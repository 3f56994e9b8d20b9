// Package api exposes the daemon's operations to the UI layer as plain
// in-process services backed by the store and the bus.
package api

import (
	"errors"

	"github.com/velora-app/chatsync/internal/wire"
)

// ErrNotFound is returned by lookups for ids the store has never seen.
var ErrNotFound = errors.New("not found")

// FrameSender forwards frames over the persistent connection.
type FrameSender interface {
	Send(f *wire.Frame) error
}
