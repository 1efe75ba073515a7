// Package transport provides postMessage-like ports that carry serialized
// envelopes between frames.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Post and Receive once a port has been closed.
var ErrClosed = errors.New("transport: port closed")

// Port is one end of a bidirectional, ordered message channel between two
// frames. Messages are opaque byte payloads.
type Port interface {
	Post(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
