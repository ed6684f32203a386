// Package session runs the peer protocol over one channel: latency probing,
// clock sync and throughput calibration, then file transfers and chat.
//
// The client dials and drives the handshake; the host answers and adopts the
// results. Inbound frames are handled one at a time on the channel's delivery
// goroutine. The handshake, the latency ticker and each outbound transfer run
// on their own goroutines and share state through the Coordinator's mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/calibrate"
	"github.com/1ureka/peerlink/internal/clocksync"
	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/filetransfer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// Options configures a Coordinator.
type Options struct {
	Role   config.Role
	Tuning config.Tuning
	Now    func() time.Time // time.Now when nil
}

// Coordinator owns the session for one channel.
type Coordinator struct {
	role   config.Role
	tuning config.Tuning
	now    func() time.Time

	ch         transport.Channel
	link       *link
	dispatcher *Dispatcher
	clock      *clocksync.Engine
	calib      *calibrate.Engine

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
	startOnce sync.Once
	firstPong chan struct{}
	pongOnce  sync.Once

	mu        sync.Mutex
	state     State
	latency   int64
	offset    float64
	chunkSize int
	err       error
	chat      []ChatLine
	observers []func(Snapshot)

	out         *filetransfer.Outbound
	outBusy     bool
	outSent     int
	outTotal    int
	outFinished bool

	recv   filetransfer.Receiver
	inBusy bool
	inErr  error
}

// New returns an idle Coordinator for ch.
func New(ch transport.Channel, opts Options) (*Coordinator, error) {
	if err := opts.Tuning.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		role:       opts.Role,
		tuning:     opts.Tuning,
		now:        now,
		ch:         ch,
		link:       &link{ch: ch},
		dispatcher: newRoutes(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		firstPong:  make(chan struct{}),
		state:      StateIdle,
		recv:       filetransfer.Receiver{VerifySize: opts.Tuning.VerifySize},
	}

	t := opts.Tuning
	c.clock = clocksync.NewEngine(clocksync.Config{
		Rounds:       t.SyncRounds,
		Settle:       t.SyncSettle,
		RoundTimeout: t.SyncRoundTimeout,
		Retries:      t.SyncRetries,
	}, c.link.Send, now)
	c.calib = calibrate.NewEngine(calibrate.Config{
		Ladder:       t.CalibrationLadder,
		Delay:        t.CalibrationDelay,
		ProbeTimeout: t.CalibrationProbeTimeout,
	}, c.link.Send, now)

	return c, nil
}

// Start moves to Connecting, begins handling inbound frames and latency
// probing, and on the client launches the handshake. The session ends when
// ctx is cancelled, the channel closes or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		context.AfterFunc(ctx, c.cancel)

		c.update(func() { c.state = StateConnecting })
		util.LogInfo("session started as %s", c.role)

		c.ch.OnFrame(c.onFrame)
		go c.watch()
		go c.probeLoop()
		if c.role == config.RoleClient {
			go c.handshake()
		}
	})
}

// Done is closed once the session has ended.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close ends the session and closes the channel.
func (c *Coordinator) Close() error {
	c.cancel()
	err := c.ch.Close()
	c.finish()
	return err
}

// OnUpdate registers fn to receive a Snapshot after every change.
func (c *Coordinator) OnUpdate(fn func(Snapshot)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Snapshot returns a copy of the session state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:         c.state,
		Role:          c.role,
		PeerLatencyMs: c.latency,
		ClockOffsetMs: c.offset,
		ChunkSize:     c.chunkSize,
		Chat:          slices.Clone(c.chat),
		Err:           c.err,
	}

	if c.out != nil {
		total := c.outTotal
		if total == 0 {
			total = filetransfer.SliceCount(c.out.TotalSize, c.chunkSize)
		}
		s.Outgoing = &Progress{
			Name:      c.out.Name,
			Size:      c.out.TotalSize,
			Done:      c.outSent,
			Total:     total,
			Streaming: c.outBusy,
			Finished:  c.outFinished,
		}
	}

	if cur := c.recv.Current(); cur != nil {
		total := filetransfer.SliceCount(cur.Size, c.chunkSize)
		done := 0
		switch {
		case cur.Finished:
			done = total
		case cur.Received > 0 && c.chunkSize > 0:
			done = min(int(cur.Marker/int64(c.chunkSize))+1, total)
		}
		s.Incoming = &Progress{
			Name:      cur.Name,
			Size:      cur.Size,
			Done:      done,
			Total:     total,
			Streaming: cur.Sending,
			Finished:  cur.Finished,
			Err:       c.inErr,
		}
	}
	return s
}

// PrepareFile announces a local file to the peer with filePrepared. It
// replaces any previously prepared, not yet streaming file. The Coordinator
// owns src from here on: it is closed once the file is sent, replaced or
// cancelled, or when the session ends.
func (c *Coordinator) PrepareFile(name string, src io.ReaderAt, size int64) error {
	out := filetransfer.NewOutbound(name, src, size)

	c.mu.Lock()
	if err := c.usableLocked("PrepareFile"); err != nil {
		c.mu.Unlock()
		out.Close()
		return err
	}
	if c.outBusy {
		c.mu.Unlock()
		out.Close()
		return failure.Newf(failure.CodeInvalidState, "session.PrepareFile", "%s is still streaming", c.out.Name)
	}
	c.dropOutboundLocked()
	c.out, c.outSent, c.outTotal, c.outFinished = out, 0, 0, false
	c.mu.Unlock()

	if err := c.link.Send(out.Announcement()); err != nil {
		c.update(func() {
			if c.out == out {
				c.dropOutboundLocked()
			}
		})
		return err
	}
	util.LogInfo("prepared %s (%d bytes)", name, size)
	c.notify()
	return nil
}

// CancelPrepare withdraws whatever is prepared in either direction and tells
// the peer with fileCancelPrepare. Either side may cancel until chunks start
// flowing; after that it is refused with INVALID_STATE.
func (c *Coordinator) CancelPrepare() error {
	const op = "session.CancelPrepare"

	c.mu.Lock()
	if err := c.cancellableLocked(op); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.pendingLocked() {
		c.mu.Unlock()
		return failure.Newf(failure.CodeInvalidState, op, "no prepared file")
	}
	c.resetPendingLocked()
	c.mu.Unlock()

	if err := c.link.Send(protocol.FileCancel{}); err != nil {
		return err
	}
	util.LogInfo("prepared file cancelled")
	c.notify()
	return nil
}

// SendFile streams the prepared file at the agreed chunk size and returns
// when fileFinished has been written. The session must be Ready.
func (c *Coordinator) SendFile(ctx context.Context) error {
	const op = "session.SendFile"

	c.mu.Lock()
	switch {
	case c.out == nil:
		c.mu.Unlock()
		return failure.Newf(failure.CodeInvalidState, op, "no prepared file")
	case c.outBusy || c.outFinished:
		c.mu.Unlock()
		return failure.Newf(failure.CodeInvalidState, op, "%s is already sent or streaming", c.out.Name)
	case c.state.rank() != StateReady:
		c.mu.Unlock()
		return failure.Newf(failure.CodeInvalidState, op, "session is %s", c.state)
	}
	out, chunkSize := c.out, c.chunkSize
	c.outBusy = true
	c.outTotal = filetransfer.SliceCount(out.TotalSize, chunkSize)
	c.beginTransferLocked()
	c.mu.Unlock()
	c.notify()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	s := &filetransfer.Sender{
		Wire: c.link,
		Backpressure: filetransfer.Backpressure{
			Every:     c.tuning.PauseEvery,
			Threshold: c.tuning.PauseThreshold,
			Pause:     c.tuning.PauseInterval,
		},
		OnProgress: func(sent, _ int) {
			c.update(func() { c.outSent = sent })
		},
	}
	err := s.Stream(ctx, out, chunkSize)

	c.update(func() {
		c.outBusy = false
		c.outFinished = err == nil
		if err == nil || c.ctx.Err() != nil {
			c.releaseOutboundLocked()
		}
		c.endTransferLocked()
	})
	if err != nil {
		return fmt.Errorf("stream %s: %w", out.Name, err)
	}
	util.Stats.AddTransferred()
	return nil
}

// SendChat sends a chat line and records it locally.
func (c *Coordinator) SendChat(text string) error {
	c.mu.Lock()
	err := c.usableLocked("SendChat")
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.link.Send(protocol.Message(text)); err != nil {
		return err
	}
	c.update(func() { c.chat = append(c.chat, ChatLine{From: FromYou, Content: text}) })
	return nil
}

// TakeReceived hands over the finished incoming file and forgets it.
func (c *Coordinator) TakeReceived() (filetransfer.Received, error) {
	var (
		r   filetransfer.Received
		err error
	)
	c.update(func() {
		r, err = c.recv.Take()
		if err == nil {
			c.inErr = nil
		}
	})
	return r, err
}

// cancellableLocked refuses a cancel once chunks flow in either direction.
func (c *Coordinator) cancellableLocked(op string) error {
	switch {
	case c.outBusy:
		return failure.Newf(failure.CodeInvalidState, op, "%s is already streaming", c.out.Name)
	case c.recv.Streaming():
		return failure.Newf(failure.CodeInvalidState, op, "peer file is already streaming")
	}
	return nil
}

// pendingLocked reports whether a transfer is prepared but not finished.
func (c *Coordinator) pendingLocked() bool {
	if c.out != nil && !c.outFinished {
		return true
	}
	cur := c.recv.Current()
	return cur != nil && !cur.Finished
}

// resetPendingLocked drops the unfinished transfers in both directions.
// Finished files stay until they are shown or taken.
func (c *Coordinator) resetPendingLocked() {
	if c.out != nil && !c.outFinished {
		c.dropOutboundLocked()
	}
	if cur := c.recv.Current(); cur != nil && !cur.Finished {
		c.recv.Cancel()
		c.inErr = nil
	}
}

// dropOutboundLocked releases and forgets the outgoing transfer.
func (c *Coordinator) dropOutboundLocked() {
	c.releaseOutboundLocked()
	c.out, c.outSent, c.outTotal, c.outFinished = nil, 0, 0, false
}

func (c *Coordinator) releaseOutboundLocked() {
	if c.out == nil {
		return
	}
	if err := c.out.Close(); err != nil {
		util.LogDebug("close %s: %v", c.out.Name, err)
	}
}

func (c *Coordinator) usableLocked(op string) error {
	if c.state == StateIdle || c.state.Terminal() {
		return failure.Newf(failure.CodeInvalidState, "session."+op, "session is %s", c.state)
	}
	return nil
}

// update runs fn under the lock, then notifies observers.
func (c *Coordinator) update(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) notify() {
	snap := c.Snapshot()

	c.mu.Lock()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// advanceLocked moves the handshake forward to `to`; it never moves back
// and never leaves a terminal state.
func (c *Coordinator) advanceLocked(to State) {
	if c.state.Terminal() || to.rank() <= c.state.rank() {
		return
	}
	util.LogInfo("session %s → %s", c.state, to)
	c.state = to
}

func (c *Coordinator) beginTransferLocked() {
	if c.state == StateReady {
		c.state = StateTransferring
	}
}

func (c *Coordinator) endTransferLocked() {
	if c.state == StateTransferring && !c.outBusy && !c.inBusy {
		c.state = StateReady
	}
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()

	util.LogError("session failed: %v", err)
	c.notify()
}

// finish moves to Closed (unless Failed) and closes Done once.
func (c *Coordinator) finish() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateFailed {
			c.state = StateClosed
		}
		if !c.outBusy {
			c.releaseOutboundLocked()
		}
		c.mu.Unlock()
		c.notify()
		close(c.done)
	})
}

// watch ends the session when the channel or the context goes away.
func (c *Coordinator) watch() {
	select {
	case <-c.ch.Done():
		util.LogInfo("channel closed")
	case <-c.ctx.Done():
	}
	c.cancel()
	c.finish()
}

// probeLoop pings the peer immediately and then every ProbeInterval,
// regardless of state.
func (c *Coordinator) probeLoop() {
	ticker := time.NewTicker(c.tuning.ProbeInterval)
	defer ticker.Stop()

	for {
		if err := c.link.Send(protocol.Ping(util.Millis(c.now()))); err != nil {
			util.LogDebug("ping: %v", err)
		}

		select {
		case <-ticker.C:
		case <-c.ctx.Done():
			return
		}
	}
}

// handshake drives latency, clock sync and calibration on the client.
// Any failure other than the session ending moves to Failed.
func (c *Coordinator) handshake() {
	err := c.runHandshake()
	if err == nil || c.ctx.Err() != nil || errors.Is(err, failure.ErrChannelClosed) {
		return
	}
	c.fail(err)
}

func (c *Coordinator) runHandshake() error {
	if err := c.awaitFirstPong(); err != nil {
		return err
	}

	offset, err := c.clock.Run(c.ctx)
	if err != nil {
		return fmt.Errorf("clock sync: %w", err)
	}
	if err := c.link.Send(protocol.TimeSyncResult(offset)); err != nil {
		return err
	}
	c.update(func() {
		c.offset = offset
		c.advanceLocked(StateClockSynced)
	})

	size, err := c.calib.Run(c.ctx)
	if err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if err := c.link.Send(protocol.SpeedResult(size)); err != nil {
		return err
	}
	c.update(func() {
		c.chunkSize = size
		c.advanceLocked(StateReady)
	})
	return nil
}

func (c *Coordinator) awaitFirstPong() error {
	var timeout <-chan time.Time
	if c.tuning.FirstPongTimeout > 0 {
		timer := time.NewTimer(c.tuning.FirstPongTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.firstPong:
		return nil
	case <-timeout:
		return failure.Newf(failure.CodeTimeout, "session", "no pong within %s", c.tuning.FirstPongTimeout)
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}
