// Package calibrate picks a transfer chunk size by timing speedTest round
// trips over an ascending ladder of probe sizes.
package calibrate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Config controls the probe schedule. A zero ProbeTimeout waits forever.
type Config struct {
	Ladder       []int
	Delay        time.Duration // pause between probes
	ProbeTimeout time.Duration
}

// Probe is one measured round trip.
type Probe struct {
	Size    int
	Elapsed time.Duration
}

// Rate is round-trip bytes per second: the buffer goes out and the ack comes back.
// A zero elapsed time counts as infinitely fast.
func (p Probe) Rate() float64 {
	if p.Elapsed <= 0 {
		return math.Inf(1)
	}
	return float64(2*p.Size) / p.Elapsed.Seconds()
}

// Select returns the probe with the highest rate. On ties the earlier,
// smaller probe wins. ok is false for an empty slice.
func Select(probes []Probe) (best Probe, ok bool) {
	bestRate := -1.0
	for _, p := range probes {
		if r := p.Rate(); r > bestRate {
			bestRate = r
			best = p
			ok = true
		}
	}
	return best, ok
}

// Recommend doubles the best probe size as the agreed chunk size.
func Recommend(best Probe) int {
	return 2 * best.Size
}

// Engine runs the initiator side. HandleAck is called by the dispatcher for
// every inbound speedAck.
type Engine struct {
	cfg  Config
	send func(protocol.Command) error
	now  func() time.Time

	mu      sync.Mutex
	pending chan struct{}
}

// NewEngine returns an engine that writes through send and reads time from now.
func NewEngine(cfg Config, send func(protocol.Command) error, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, send: send, now: now}
}

// HandleAck completes the outstanding probe. speedAck carries no identifier,
// so an ack with no probe in flight is UNMATCHED_REPLY.
func (e *Engine) HandleAck() error {
	e.mu.Lock()
	ch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if ch == nil {
		return failure.Newf(failure.CodeUnmatchedReply, "calibrate", "speedAck with no probe in flight")
	}
	ch <- struct{}{}
	return nil
}

// Run probes every ladder size in order and returns the recommended chunk size.
func (e *Engine) Run(ctx context.Context) (int, error) {
	util.LogInfo("testing throughput over %d probe sizes", len(e.cfg.Ladder))

	probes := make([]Probe, 0, len(e.cfg.Ladder))
	for i, size := range e.cfg.Ladder {
		if i > 0 {
			if err := util.Sleep(ctx, e.cfg.Delay); err != nil {
				return 0, err
			}
		}

		p, err := e.probe(ctx, size)
		if err != nil {
			return 0, err
		}
		util.LogDebug("%d KiB probe: %.1f KiB/s", size/1024, p.Rate()/1024)
		probes = append(probes, p)
	}

	best, ok := Select(probes)
	if !ok {
		return 0, failure.Newf(failure.CodeInvalidConfig, "calibrate", "empty probe ladder")
	}

	size := Recommend(best)
	util.LogInfo("optimal chunk size %d KiB", size/1024)
	return size, nil
}

func (e *Engine) probe(ctx context.Context, size int) (Probe, error) {
	ack := make(chan struct{}, 1)
	e.mu.Lock()
	e.pending = ack
	e.mu.Unlock()

	start := e.now()
	if err := e.send(protocol.SpeedTest(make([]byte, size))); err != nil {
		e.clear(ack)
		return Probe{}, fmt.Errorf("send speedTest: %w", err)
	}

	var timeout <-chan time.Time
	if e.cfg.ProbeTimeout > 0 {
		timer := time.NewTimer(e.cfg.ProbeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ack:
		return Probe{Size: size, Elapsed: e.now().Sub(start)}, nil
	case <-timeout:
		e.clear(ack)
		return Probe{}, failure.Newf(failure.CodeTimeout, "calibrate", "no speedAck for %d byte probe", size)
	case <-ctx.Done():
		e.clear(ack)
		return Probe{}, ctx.Err()
	}
}

func (e *Engine) clear(ch chan struct{}) {
	e.mu.Lock()
	if e.pending == ch {
		e.pending = nil
	}
	e.mu.Unlock()
}
