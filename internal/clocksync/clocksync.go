// Package clocksync estimates the signed offset between the local and the peer
// clock from a few sequential timeSync round trips.
//
// The initiator runs Engine.Run; the responder only answers with Respond and
// later adopts the initiator's timeSyncResult.
package clocksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Config controls the round schedule. A zero RoundTimeout waits forever.
type Config struct {
	Rounds       int
	Settle       time.Duration
	RoundTimeout time.Duration
	Retries      int
}

// Sample is one round trip: T1 local send, T2 peer receive, T4 local receive.
// All values are epoch milliseconds.
type Sample struct {
	T1, T2, T4 int64
}

// Offset returns how far the peer clock is ahead of ours, in milliseconds.
func (s Sample) Offset() float64 {
	return (float64(s.T2-s.T1) + float64(s.T2-s.T4)) / 2
}

// Mean is the arithmetic mean of offsets; 0 for an empty slice.
func Mean(offsets []float64) float64 {
	if len(offsets) == 0 {
		return 0
	}
	var sum float64
	for _, o := range offsets {
		sum += o
	}
	return sum / float64(len(offsets))
}

// Respond builds the responder's reply to req, stamped with now.
func Respond(req protocol.TimeSync, now time.Time) protocol.TimeSyncResponse {
	return protocol.TimeSyncResponse{T1: req.T1, T2: util.Millis(now)}
}

// round is the single outstanding request. reply has capacity 1 so the
// dispatcher never blocks on it.
type round struct {
	t1    int64
	reply chan protocol.TimeSyncResponse
}

// Engine runs the initiator side. HandleResponse is called by the dispatcher
// for every inbound timeSyncResponse; Run blocks on the matching one.
type Engine struct {
	cfg  Config
	send func(protocol.Command) error
	now  func() time.Time

	mu      sync.Mutex
	pending *round
}

// NewEngine returns an engine that writes through send and reads time from now.
func NewEngine(cfg Config, send func(protocol.Command) error, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, send: send, now: now}
}

// HandleResponse closes the pending round if resp echoes its T1. Any other
// response, including a late duplicate of an already closed round, is
// reported as UNMATCHED_REPLY and has no effect.
func (e *Engine) HandleResponse(resp protocol.TimeSyncResponse) error {
	e.mu.Lock()
	p := e.pending
	if p == nil || p.t1 != resp.T1 {
		e.mu.Unlock()
		return failure.Newf(failure.CodeUnmatchedReply, "clocksync", "response for T1=%d", resp.T1)
	}
	e.pending = nil
	e.mu.Unlock()

	p.reply <- resp
	return nil
}

// Run performs cfg.Rounds sequential rounds and returns the mean offset.
func (e *Engine) Run(ctx context.Context) (float64, error) {
	util.LogInfo("starting %d-round clock sync", e.cfg.Rounds)

	offsets := make([]float64, 0, e.cfg.Rounds)
	for i := 0; i < e.cfg.Rounds; i++ {
		if i > 0 {
			if err := util.Sleep(ctx, e.cfg.Settle); err != nil {
				return 0, err
			}
		}

		s, err := e.roundTrip(ctx, i)
		if err != nil {
			return 0, err
		}

		off := s.Offset()
		util.LogDebug("round %d: T1=%d T2=%d T4=%d offset=%.2fms", i+1, s.T1, s.T2, s.T4, off)
		offsets = append(offsets, off)
	}

	avg := Mean(offsets)
	util.LogInfo("average clock offset %.2fms", avg)
	return avg, nil
}

// roundTrip sends one timeSync and waits for its echo, retrying with a fresh
// T1 after each timeout.
func (e *Engine) roundTrip(ctx context.Context, idx int) (Sample, error) {
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		t1 := util.Millis(e.now())
		reply := make(chan protocol.TimeSyncResponse, 1)

		e.mu.Lock()
		e.pending = &round{t1: t1, reply: reply}
		e.mu.Unlock()

		if err := e.send(protocol.TimeSync{T1: t1}); err != nil {
			e.clear(t1)
			return Sample{}, fmt.Errorf("send timeSync: %w", err)
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if e.cfg.RoundTimeout > 0 {
			timer = time.NewTimer(e.cfg.RoundTimeout)
			timeout = timer.C
		}

		select {
		case resp := <-reply:
			stopTimer(timer)
			return Sample{T1: resp.T1, T2: resp.T2, T4: util.Millis(e.now())}, nil

		case <-timeout:
			e.clear(t1)
			util.LogWarning("clock sync round %d timed out (attempt %d/%d)", idx+1, attempt+1, e.cfg.Retries+1)

		case <-ctx.Done():
			stopTimer(timer)
			e.clear(t1)
			return Sample{}, ctx.Err()
		}
	}

	return Sample{}, failure.Newf(failure.CodeTimeout, "clocksync",
		"round %d: no response after %d attempts", idx+1, e.cfg.Retries+1)
}

// clear drops the pending round if it is still the one for t1.
func (e *Engine) clear(t1 int64) {
	e.mu.Lock()
	if e.pending != nil && e.pending.t1 == t1 {
		e.pending = nil
	}
	e.mu.Unlock()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
