package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	// The session pauses on its own above 500 000 buffered bytes; these marks
	// only bound memory when a caller ignores that.
	highWaterMark = 4 * 1024 * 1024 // block Send when bufferedAmount exceeds this
	lowWaterMark  = 1024 * 1024     // unblock when bufferedAmount drops below this
)

// sender writes frames to a DataChannel behind an open gate and a hard
// high-water mark. Callers serialize Send themselves.
type sender struct {
	dc          *webrtc.DataChannel
	openSignal  <-chan struct{}
	drainSignal chan struct{}
}

// newSender wires the backpressure callbacks on dc.
func newSender(dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		dc:          dc,
		openSignal:  openSignal,
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	return s
}

// send blocks until the channel is open and below the high-water mark, then
// writes f as a text or binary message.
func (s *sender) send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-s.openSignal:
	case <-ctx.Done():
		return failure.New(failure.CodeChannelClosed, "transport.Send", ctx.Err())
	}

	if s.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-s.drainSignal:
		case <-ctx.Done():
			return failure.New(failure.CodeChannelClosed, "transport.Send", ctx.Err())
		}
	}

	var err error
	if f.IsText {
		err = s.dc.SendText(string(f.Data))
	} else {
		err = s.dc.Send(f.Data)
	}
	if err != nil {
		return failure.New(failure.CodeChannelClosed, "transport.Send", err)
	}

	util.Stats.AddSent(len(f.Data))
	return nil
}
