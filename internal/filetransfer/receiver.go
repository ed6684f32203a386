package filetransfer

import (
	"bytes"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Inbound is the accumulating state of the file the peer announced.
type Inbound struct {
	Name string
	Size int64

	Chunks   [][]byte // arrival order
	Received int64
	Marker   int64 // partition of the latest header, for progress display only
	Sending  bool
	Finished bool
}

// Received is a finished inbound file handed to the consumer.
type Received struct {
	Name   string
	Data   []byte
	Digest uint32
}

// Receiver pairs each filePeerPacket header with the binary frame that
// follows it and appends bodies in arrival order. It does no reordering or
// gap detection. Not safe for concurrent use; the session serializes calls.
type Receiver struct {
	VerifySize bool

	cur      *Inbound
	awaiting []int64 // headers whose body has not arrived yet
}

// Prepare starts a fresh inbound transfer, discarding any previous one.
func (r *Receiver) Prepare(p protocol.FilePrepared) {
	r.cur = &Inbound{Name: p.Name, Size: p.Bytes}
	r.awaiting = nil
	util.LogInfo("peer prepared %s (%d bytes)", p.Name, p.Bytes)
}

// Start marks the announced file as streaming.
func (r *Receiver) Start() error {
	if r.cur == nil {
		return failure.Newf(failure.CodePrematureTransfer, "filetransfer.Start", "no prepared file")
	}
	r.cur.Sending = true
	return nil
}

// Header records the partition as the progress marker and queues it for the next body.
func (r *Receiver) Header(h protocol.FilePacket) error {
	if r.cur == nil {
		return failure.Newf(failure.CodePrematureTransfer, "filetransfer.Header", "partition %d with no prepared file", h.Partition)
	}
	r.cur.Sending = true
	r.cur.Marker = h.Partition
	r.awaiting = append(r.awaiting, h.Partition)
	return nil
}

// Body appends c to the current transfer, consuming the oldest waiting header.
func (r *Receiver) Body(c protocol.Chunk) error {
	if r.cur == nil {
		return failure.Newf(failure.CodePrematureTransfer, "filetransfer.Body", "%d byte chunk with no prepared file", len(c))
	}
	if len(r.awaiting) == 0 {
		return failure.Newf(failure.CodePrematureTransfer, "filetransfer.Body", "%d byte chunk with no header", len(c))
	}
	r.awaiting = r.awaiting[1:]

	r.cur.Chunks = append(r.cur.Chunks, []byte(c))
	r.cur.Received += int64(len(c))
	util.Stats.AddChunkRecv()
	return nil
}

// Finish marks the transfer complete on the peer's word. With VerifySize
// set, a length mismatch is reported as SIZE_MISMATCH but the transfer is
// still finished and consumable.
func (r *Receiver) Finish(f protocol.FileFinished) error {
	if r.cur == nil {
		return failure.Newf(failure.CodePrematureTransfer, "filetransfer.Finish", "%s was never prepared", f.Name)
	}
	if f.Name != r.cur.Name {
		util.LogWarning("fileFinished names %q, prepared %q", f.Name, r.cur.Name)
	}

	r.cur.Sending = false
	r.cur.Finished = true
	r.awaiting = nil
	util.Stats.AddTransferred()

	if r.VerifySize && r.cur.Received != r.cur.Size {
		return failure.Newf(failure.CodeSizeMismatch, "filetransfer.Finish",
			"%s: received %d of %d bytes", r.cur.Name, r.cur.Received, r.cur.Size)
	}
	util.LogSuccess("%s has been received", r.cur.Name)
	return nil
}

// Cancel drops all transfer-scoped state.
func (r *Receiver) Cancel() {
	r.cur = nil
	r.awaiting = nil
}

// Current returns a copy of the inbound state without the chunk buffers, or
// nil when nothing is prepared.
func (r *Receiver) Current() *Inbound {
	if r.cur == nil {
		return nil
	}
	c := *r.cur
	c.Chunks = nil
	return &c
}

// Streaming reports whether chunks are currently flowing in.
func (r *Receiver) Streaming() bool {
	return r.cur != nil && r.cur.Sending
}

// Take hands over a finished transfer and forgets it.
func (r *Receiver) Take() (Received, error) {
	if r.cur == nil || !r.cur.Finished {
		return Received{}, failure.Newf(failure.CodeInvalidState, "filetransfer.Take", "no finished transfer")
	}

	data := bytes.Join(r.cur.Chunks, nil)
	out := Received{Name: r.cur.Name, Data: data, Digest: util.Digest(data)}
	util.LogDebug("%s consumed, digest %08x", out.Name, out.Digest)

	r.cur = nil
	r.awaiting = nil
	return out, nil
}
