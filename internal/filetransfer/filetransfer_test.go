package filetransfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
)

// recordingWire captures everything the sender writes, in order.
type recordingWire struct {
	cmds     []protocol.Command
	buffered uint64
}

func (w *recordingWire) Send(cmd protocol.Command) error {
	w.cmds = append(w.cmds, cmd)
	return nil
}

func (w *recordingWire) SendChunk(h protocol.FilePacket, body []byte) error {
	w.cmds = append(w.cmds, h, protocol.Chunk(body))
	return nil
}

func (w *recordingWire) BufferedAmount() uint64 { return w.buffered }

// countingSleep records pauses without waiting.
type countingSleep struct{ n int }

func (c *countingSleep) sleep(context.Context, time.Duration) error {
	c.n++
	return nil
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewSource(int64(n)))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Intn(256))
	}
	return b
}

func TestPlanCoverage(t *testing.T) {
	for _, chunk := range []int{1, 7, 4096, 65536} {
		for _, total := range []int64{1, 2, 6, 7, 8, 4095, 4096, 4097, 65536 * 3, 65536*3 + 1, 1_000_003} {
			plan := Plan(total, chunk)
			require.NotEmpty(t, plan)
			assert.Len(t, plan, SliceCount(total, chunk))

			var sum int64
			for i, sl := range plan {
				assert.Equal(t, int64(i)*int64(chunk), sl.Offset)
				if i < len(plan)-1 {
					assert.Equal(t, chunk, sl.Length)
				}
				sum += int64(sl.Length)
			}

			last := plan[len(plan)-1]
			assert.Equal(t, total, last.End())
			assert.Equal(t, total, sum)
			assert.Equal(t, total%int64(chunk) != 0, last.Length < chunk)
		}
	}
}

func TestPlanDegenerate(t *testing.T) {
	assert.Nil(t, Plan(0, 1024))
	assert.Nil(t, Plan(100, 0))
	assert.Equal(t, 0, SliceCount(-1, 1))
}

// TestStreamTenMiB: 10 MiB at 64 KiB yields 160 header+body pairs and one fileFinished.
func TestStreamTenMiB(t *testing.T) {
	const size = 10 * 1024 * 1024
	data := randomBytes(size)
	wire := &recordingWire{}
	pauses := &countingSleep{}

	s := &Sender{
		Wire:         wire,
		Backpressure: Backpressure{Every: 15, Threshold: 500_000, Pause: 100 * time.Millisecond},
		Sleep:        pauses.sleep,
	}
	out := NewOutbound("big.bin", bytes.NewReader(data), size)
	require.NoError(t, s.Stream(context.Background(), out, 65536))

	require.Equal(t, protocol.FileSending{}, wire.cmds[0])
	pairs := wire.cmds[1 : len(wire.cmds)-1]
	require.Len(t, pairs, 2*160)

	for i := 0; i < 160; i++ {
		hdr, ok := pairs[2*i].(protocol.FilePacket)
		require.True(t, ok, "frame %d must be a header", 2*i)
		assert.Equal(t, int64(i)*65536, hdr.Partition)
		body, ok := pairs[2*i+1].(protocol.Chunk)
		require.True(t, ok, "frame %d must be a body", 2*i+1)
		assert.Len(t, body, 65536)
	}

	assert.Equal(t, protocol.FileFinished{Name: "big.bin"}, wire.cmds[len(wire.cmds)-1])
	assert.True(t, out.Finished)
	assert.Equal(t, int64(size), out.NextOffset)
	assert.Equal(t, 160, out.Sent)
	// After slices 15, 30, …, 150; never after the final slice.
	assert.Equal(t, 10, pauses.n)
}

func TestStreamPausesOnBufferedAmount(t *testing.T) {
	wire := &recordingWire{buffered: 600_000}
	pauses := &countingSleep{}
	s := &Sender{
		Wire:         wire,
		Backpressure: Backpressure{Every: 15, Threshold: 500_000},
		Sleep:        pauses.sleep,
	}

	require.NoError(t, s.Stream(context.Background(), NewOutbound("a", bytes.NewReader(make([]byte, 40)), 40), 10))
	assert.Equal(t, 3, pauses.n, "every slice but the last")
}

func TestStreamProgress(t *testing.T) {
	var seen [][2]int
	s := &Sender{
		Wire:       &recordingWire{},
		Sleep:      (&countingSleep{}).sleep,
		OnProgress: func(sent, total int) { seen = append(seen, [2]int{sent, total}) },
	}
	require.NoError(t, s.Stream(context.Background(), NewOutbound("a", bytes.NewReader(make([]byte, 25)), 25), 10))
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, seen)
}

func TestStreamRejects(t *testing.T) {
	s := &Sender{Wire: &recordingWire{}}
	out := NewOutbound("a", bytes.NewReader(nil), 0)

	assert.ErrorIs(t, s.Stream(context.Background(), out, 0), failure.ErrInvalidState)

	require.NoError(t, s.Stream(context.Background(), out, 10))
	assert.ErrorIs(t, s.Stream(context.Background(), out, 10), failure.ErrInvalidState)
}

func TestStreamShortSource(t *testing.T) {
	s := &Sender{Wire: &recordingWire{}, Sleep: (&countingSleep{}).sleep}
	err := s.Stream(context.Background(), NewOutbound("a", bytes.NewReader(make([]byte, 5)), 50), 10)
	require.Error(t, err)
}

// replay feeds recorded commands into a receiver the way the session dispatcher does.
func replay(t *testing.T, r *Receiver, cmds []protocol.Command) error {
	t.Helper()
	var last error
	for _, cmd := range cmds {
		var err error
		switch c := cmd.(type) {
		case protocol.FilePrepared:
			r.Prepare(c)
		case protocol.FileSending:
			err = r.Start()
		case protocol.FilePacket:
			err = r.Header(c)
		case protocol.Chunk:
			err = r.Body(c)
		case protocol.FileFinished:
			err = r.Finish(c)
		}
		if err != nil {
			last = err
		}
	}
	return last
}

func TestReassembly(t *testing.T) {
	for _, size := range []int{0, 1, 999, 4096, 100_000} {
		data := randomBytes(size)
		out := NewOutbound("f.bin", bytes.NewReader(data), int64(size))
		wire := &recordingWire{cmds: []protocol.Command{out.Announcement()}}
		s := &Sender{Wire: wire, Sleep: (&countingSleep{}).sleep}
		require.NoError(t, s.Stream(context.Background(), out, 4096))

		r := &Receiver{VerifySize: true}
		require.NoError(t, replay(t, r, wire.cmds))

		cur := r.Current()
		require.NotNil(t, cur)
		assert.True(t, cur.Finished)
		assert.Nil(t, cur.Chunks, "Current does not leak buffers")

		got, err := r.Take()
		require.NoError(t, err)
		assert.Equal(t, "f.bin", got.Name)
		assert.True(t, bytes.Equal(data, got.Data), "size %d", size)
		assert.Nil(t, r.Current(), "consumed transfers are destroyed")
	}
}

func TestReceiverPremature(t *testing.T) {
	r := &Receiver{}
	assert.ErrorIs(t, r.Start(), failure.ErrPrematureTransfer)
	assert.ErrorIs(t, r.Header(protocol.FilePacket{}), failure.ErrPrematureTransfer)
	assert.ErrorIs(t, r.Body(protocol.Chunk("x")), failure.ErrPrematureTransfer)
	assert.ErrorIs(t, r.Finish(protocol.FileFinished{Name: "x"}), failure.ErrPrematureTransfer)

	_, err := r.Take()
	assert.ErrorIs(t, err, failure.ErrInvalidState)
}

// TestReceiverBodyNeedsHeader: a binary frame with no header waiting is dropped.
func TestReceiverBodyNeedsHeader(t *testing.T) {
	r := &Receiver{}
	r.Prepare(protocol.FilePrepared{Name: "a", Bytes: 2})
	assert.ErrorIs(t, r.Body(protocol.Chunk("x")), failure.ErrPrematureTransfer)

	require.NoError(t, r.Header(protocol.FilePacket{Partition: 0}))
	require.NoError(t, r.Body(protocol.Chunk("y")))
	assert.Equal(t, int64(1), r.Current().Received)
}

func TestReceiverSizeMismatch(t *testing.T) {
	r := &Receiver{VerifySize: true}
	err := replay(t, r, []protocol.Command{
		protocol.FilePrepared{Name: "a", Bytes: 10},
		protocol.FileSending{},
		protocol.FilePacket{Partition: 0},
		protocol.Chunk("abc"),
		protocol.FileFinished{Name: "a"},
	})
	assert.True(t, errors.Is(err, failure.ErrSizeMismatch))

	// Still finished on the peer's word.
	got, err := r.Take()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)

	lenient := &Receiver{}
	assert.NoError(t, replay(t, lenient, []protocol.Command{
		protocol.FilePrepared{Name: "a", Bytes: 10},
		protocol.FileFinished{Name: "a"},
	}))
}

func TestReceiverCancel(t *testing.T) {
	r := &Receiver{}
	require.NoError(t, replay(t, r, []protocol.Command{
		protocol.FilePrepared{Name: "a", Bytes: 10},
		protocol.FilePacket{Partition: 0},
	}))
	assert.True(t, r.Streaming())

	r.Cancel()
	assert.Nil(t, r.Current())
	assert.False(t, r.Streaming())
	assert.ErrorIs(t, r.Body(protocol.Chunk("late")), failure.ErrPrematureTransfer)
}

type closeCounter struct {
	*bytes.Reader
	n int
}

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

func TestOutboundClose(t *testing.T) {
	src := &closeCounter{Reader: bytes.NewReader([]byte("abc"))}
	out := NewOutbound("a", src, 3)

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())
	assert.Equal(t, 1, src.n, "released once")

	s := &Sender{Wire: &recordingWire{}}
	assert.ErrorIs(t, s.Stream(context.Background(), out, 10), failure.ErrInvalidState)

	assert.NoError(t, NewOutbound("b", bytes.NewReader(nil), 0).Close(), "plain readers need no closing")
}
