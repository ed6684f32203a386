package session

import (
	"errors"

	"github.com/1ureka/peerlink/internal/clocksync"
	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// newRoutes registers a handler for every command kind.
func newRoutes() *Dispatcher {
	d := NewDispatcher()

	d.Register(protocol.KindPing, handlePing)
	d.Register(protocol.KindPong, handlePong)

	d.Register(protocol.KindTimeSync, handleTimeSync)
	d.Register(protocol.KindTimeSyncResponse, handleTimeSyncResponse)
	d.Register(protocol.KindTimeSyncResult, handleTimeSyncResult)

	d.Register(protocol.KindSpeedTest, handleSpeedTest)
	d.Register(protocol.KindSpeedAck, handleSpeedAck)
	d.Register(protocol.KindSpeedResult, handleSpeedResult)

	d.Register(protocol.KindFilePrepared, handleFilePrepared)
	d.Register(protocol.KindFileCancel, handleFileCancel)
	d.Register(protocol.KindFileSending, handleFileSending)
	d.Register(protocol.KindFilePacket, handleFilePacket)
	d.Register(protocol.KindChunk, handleChunk)
	d.Register(protocol.KindFileFinished, handleFileFinished)

	d.Register(protocol.KindMessage, handleMessage)

	return d
}

// onFrame decodes and routes one inbound frame. Nothing a peer sends can
// stop the session: failures are logged by code and dropped.
func (c *Coordinator) onFrame(f protocol.Frame) {
	cmd, err := protocol.Decode(f)
	if err != nil {
		util.LogWarning("dropping frame: %v", err)
		return
	}

	h, ok := c.dispatcher.Route(cmd.Kind())
	if !ok {
		util.LogWarning("no handler for %s", cmd.Kind())
		return
	}

	if err := h(c, cmd); err != nil {
		report(cmd.Kind(), err)
	}
}

func report(kind protocol.Kind, err error) {
	switch failure.CodeOf(err) {
	case failure.CodeUnmatchedReply, failure.CodeChannelClosed:
		util.LogDebug("%s dropped: %v", kind, err)
	case failure.CodePrematureTransfer, failure.CodeSizeMismatch, failure.CodeInvalidState:
		util.LogWarning("%s ignored: %v", kind, err)
	default:
		util.LogError("%s: %v", kind, err)
	}
}

func handlePing(c *Coordinator, cmd protocol.Command) error {
	return c.link.Send(protocol.Pong(cmd.(protocol.Ping)))
}

func handlePong(c *Coordinator, cmd protocol.Command) error {
	rtt := util.Millis(c.now()) - int64(cmd.(protocol.Pong))
	c.update(func() {
		c.latency = rtt
		if c.state == StateConnecting {
			c.advanceLocked(StateLatencyProbed)
		}
	})
	c.pongOnce.Do(func() { close(c.firstPong) })
	return nil
}

func handleTimeSync(c *Coordinator, cmd protocol.Command) error {
	return c.link.Send(clocksync.Respond(cmd.(protocol.TimeSync), c.now()))
}

func handleTimeSyncResponse(c *Coordinator, cmd protocol.Command) error {
	return c.clock.HandleResponse(cmd.(protocol.TimeSyncResponse))
}

func handleTimeSyncResult(c *Coordinator, cmd protocol.Command) error {
	offset := float64(cmd.(protocol.TimeSyncResult))
	c.update(func() {
		c.offset = offset
		c.advanceLocked(StateClockSynced)
	})
	util.LogInfo("clock offset %.2fms", offset)
	return nil
}

func handleSpeedTest(c *Coordinator, _ protocol.Command) error {
	return c.link.Send(protocol.SpeedAck{})
}

func handleSpeedAck(c *Coordinator, _ protocol.Command) error {
	return c.calib.HandleAck()
}

func handleSpeedResult(c *Coordinator, cmd protocol.Command) error {
	size := int(cmd.(protocol.SpeedResult))
	if size <= 0 {
		return failure.Newf(failure.CodeMalformedMessage, "session", "chunk size %d", size)
	}
	c.update(func() {
		c.chunkSize = size
		c.advanceLocked(StateReady)
	})
	util.LogInfo("chunk size %d KiB", size/1024)
	return nil
}

func handleFilePrepared(c *Coordinator, cmd protocol.Command) error {
	c.update(func() {
		c.recv.Prepare(cmd.(protocol.FilePrepared))
		c.inBusy = false
		c.inErr = nil
		c.endTransferLocked()
	})
	return nil
}

// handleFileCancel drops the unfinished transfers in both directions unless
// chunks are already flowing.
func handleFileCancel(c *Coordinator, _ protocol.Command) error {
	var (
		err     error
		pending bool
	)
	c.update(func() {
		if err = c.cancellableLocked("session"); err != nil {
			return
		}
		pending = c.pendingLocked()
		c.resetPendingLocked()
	})
	switch {
	case err != nil:
		return err
	case pending:
		util.LogInfo("peer cancelled the prepared file")
	default:
		util.LogDebug("peer cancelled with nothing prepared")
	}
	return nil
}

func handleFileSending(c *Coordinator, _ protocol.Command) error {
	var err error
	c.update(func() {
		if err = c.recv.Start(); err == nil {
			c.inBusy = true
			c.beginTransferLocked()
		}
	})
	return err
}

func handleFilePacket(c *Coordinator, cmd protocol.Command) error {
	var err error
	c.update(func() {
		if err = c.recv.Header(cmd.(protocol.FilePacket)); err == nil && !c.inBusy {
			c.inBusy = true
			c.beginTransferLocked()
		}
	})
	return err
}

// handleChunk appends a body without notifying; its header already did.
func handleChunk(c *Coordinator, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv.Body(cmd.(protocol.Chunk))
}

func handleFileFinished(c *Coordinator, cmd protocol.Command) error {
	var err error
	c.update(func() {
		err = c.recv.Finish(cmd.(protocol.FileFinished))
		if errors.Is(err, failure.ErrSizeMismatch) {
			c.inErr = err
		}
		if cur := c.recv.Current(); cur != nil && cur.Finished {
			c.inBusy = false
			c.endTransferLocked()
		}
	})
	return err
}

func handleMessage(c *Coordinator, cmd protocol.Command) error {
	text := string(cmd.(protocol.Message))
	c.update(func() { c.chat = append(c.chat, ChatLine{From: FromPeer, Content: text}) })
	util.LogInfo("peer: %s", text)
	return nil
}
