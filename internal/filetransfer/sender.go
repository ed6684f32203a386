package filetransfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Wire is the capability the sender needs from the session: ordered command
// writes, an atomic header+body pair write, and the channel's buffered amount.
type Wire interface {
	Send(cmd protocol.Command) error
	SendChunk(header protocol.FilePacket, body []byte) error
	BufferedAmount() uint64
}

// Backpressure is the coarse pacing policy: pause after every Every-th slice,
// or whenever the channel buffers more than Threshold bytes.
type Backpressure struct {
	Every     int
	Threshold uint64
	Pause     time.Duration
}

// Outbound is the local side of one announced file.
type Outbound struct {
	Name      string
	Source    io.ReaderAt
	TotalSize int64

	ChunkSize  int
	NextOffset int64
	Sent       int // slices written
	Finished   bool

	released bool
}

// NewOutbound describes a file ready to be announced with filePrepared.
func NewOutbound(name string, src io.ReaderAt, size int64) *Outbound {
	return &Outbound{Name: name, Source: src, TotalSize: size}
}

// Announcement is the filePrepared command for out.
func (out *Outbound) Announcement() protocol.FilePrepared {
	return protocol.FilePrepared{Name: out.Name, Bytes: out.TotalSize}
}

// Close releases the source when it is an io.Closer. Later calls do nothing.
func (out *Outbound) Close() error {
	if out.released {
		return nil
	}
	out.released = true
	if c, ok := out.Source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Sender streams an Outbound over a Wire.
type Sender struct {
	Wire         Wire
	Backpressure Backpressure

	// Sleep pauses between slices; util.Sleep when nil.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnProgress, when set, is called after every slice with slices sent and total.
	OnProgress func(sent, total int)
}

// Stream writes filePeerSending, every slice as a header+body pair, and
// finally fileFinished. Finishing is not acknowledged by the receiver.
func (s *Sender) Stream(ctx context.Context, out *Outbound, chunkSize int) error {
	if chunkSize <= 0 {
		return failure.Newf(failure.CodeInvalidState, "filetransfer.Stream", "no agreed chunk size")
	}
	if out.Finished || out.released {
		return failure.Newf(failure.CodeInvalidState, "filetransfer.Stream", "%s already sent or released", out.Name)
	}

	sleep := s.Sleep
	if sleep == nil {
		sleep = util.Sleep
	}

	out.ChunkSize = chunkSize
	plan := Plan(out.TotalSize, chunkSize)
	total := len(plan)

	if err := s.Wire.Send(protocol.FileSending{}); err != nil {
		return fmt.Errorf("send filePeerSending: %w", err)
	}
	util.LogInfo("sending %s: %d bytes in %d chunks of %d KiB", out.Name, out.TotalSize, total, chunkSize/1024)

	for i, sl := range plan {
		// The transport may queue the body, so every slice gets its own buffer.
		body := make([]byte, sl.Length)
		n, err := out.Source.ReadAt(body, sl.Offset)
		if n < sl.Length {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read %s at %d: %w", out.Name, sl.Offset, err)
		}

		if err := s.Wire.SendChunk(protocol.FilePacket{Partition: sl.Offset}, body); err != nil {
			return fmt.Errorf("send chunk at %d: %w", sl.Offset, err)
		}
		util.Stats.AddChunkSent()

		out.NextOffset = sl.End()
		out.Sent = i + 1
		if s.OnProgress != nil {
			s.OnProgress(out.Sent, total)
		}

		if out.NextOffset < out.TotalSize && s.shouldPause(out.Sent) {
			if err := sleep(ctx, s.Backpressure.Pause); err != nil {
				return err
			}
		}
	}

	if err := s.Wire.Send(protocol.FileFinished{Name: out.Name}); err != nil {
		return fmt.Errorf("send fileFinished: %w", err)
	}
	out.Finished = true
	util.LogSuccess("%s has been sent", out.Name)
	return nil
}

func (s *Sender) shouldPause(sent int) bool {
	bp := s.Backpressure
	if bp.Every > 0 && sent%bp.Every == 0 {
		return true
	}
	return s.Wire.BufferedAmount() > bp.Threshold
}
