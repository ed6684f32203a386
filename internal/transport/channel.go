package transport

import (
	"github.com/1ureka/peerlink/internal/protocol"
)

// Channel is one live, ordered, reliable peer-to-peer message pipe carrying
// text and binary frames.
type Channel interface {
	// Send writes one frame. It fails with CHANNEL_CLOSED once Done is closed.
	Send(f protocol.Frame) error

	// OnFrame registers the inbound handler. Frames that arrive before a
	// handler exists are queued; the handler is called from a single
	// goroutine, one frame at a time, in arrival order.
	OnFrame(fn func(protocol.Frame))

	// BufferedAmount is the number of bytes queued for sending.
	BufferedAmount() uint64

	Done() <-chan struct{}
	Close() error
}

var (
	_ Channel = (*Transport)(nil)
	_ Channel = (*Pipe)(nil)
)
