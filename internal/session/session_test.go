package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
)

const wait = 5 * time.Second

func fastTuning() config.Tuning {
	t := config.DefaultTuning()
	t.ProbeInterval = 20 * time.Millisecond
	t.FirstPongTimeout = 2 * time.Second
	t.SyncSettle = time.Millisecond
	t.SyncRoundTimeout = 2 * time.Second
	t.CalibrationDelay = time.Millisecond
	t.CalibrationProbeTimeout = 2 * time.Second
	t.PauseInterval = time.Millisecond
	return t
}

func start(t *testing.T, ch transport.Channel, opts Options) *Coordinator {
	t.Helper()
	c, err := New(ch, opts)
	require.NoError(t, err)
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c
}

// pair returns a host and a client session joined by a pipe.
func pair(t *testing.T) (host, client *Coordinator) {
	t.Helper()
	a, b := transport.NewPipe()
	host = start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning()})
	client = start(t, b, Options{Role: config.RoleClient, Tuning: fastTuning()})
	return host, client
}

func ready(t *testing.T, cs ...*Coordinator) {
	t.Helper()
	for _, c := range cs {
		require.Eventually(t, func() bool { return c.Snapshot().State == StateReady }, wait, 5*time.Millisecond,
			"%s never became ready", c.role)
	}
}

// rawPeer drives the other end of a pipe by hand.
type rawPeer struct {
	pipe *transport.Pipe

	mu   sync.Mutex
	cmds []protocol.Command
}

func newRawPeer(t *testing.T, p *transport.Pipe) *rawPeer {
	r := &rawPeer{pipe: p}
	p.OnFrame(func(f protocol.Frame) {
		cmd, err := protocol.Decode(f)
		if !assert.NoError(t, err) {
			return
		}
		r.mu.Lock()
		r.cmds = append(r.cmds, cmd)
		r.mu.Unlock()
	})
	return r
}

func (r *rawPeer) send(t *testing.T, cmds ...protocol.Command) {
	t.Helper()
	for _, cmd := range cmds {
		f, err := protocol.Encode(cmd)
		require.NoError(t, err)
		require.NoError(t, r.pipe.Send(f))
	}
}

func (r *rawPeer) received(want protocol.Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.cmds {
		if cmd.Kind() == want.Kind() && assert.ObjectsAreEqual(cmd, want) {
			return true
		}
	}
	return false
}

func TestEveryKindRouted(t *testing.T) {
	d := newRoutes()
	for _, k := range protocol.Kinds() {
		_, ok := d.Route(k)
		assert.True(t, ok, "no handler for %s", k)
	}
}

func TestDispatcherRegister(t *testing.T) {
	d := NewDispatcher()
	_, ok := d.Route(protocol.KindPing)
	assert.False(t, ok)

	d.Register(protocol.KindPing, handlePing)
	_, ok = d.Route(protocol.KindPing)
	assert.True(t, ok)
}

func TestNewRejectsBadTuning(t *testing.T) {
	a, _ := transport.NewPipe()
	tuning := fastTuning()
	tuning.CalibrationLadder = nil
	_, err := New(a, Options{Role: config.RoleHost, Tuning: tuning})
	assert.ErrorIs(t, err, failure.ErrInvalidConfig)
}

func TestHandshake(t *testing.T) {
	host, client := pair(t)
	ready(t, host, client)

	hs, cs := host.Snapshot(), client.Snapshot()
	ladder := fastTuning().CalibrationLadder
	assert.Contains(t, []int{2 * ladder[0], 2 * ladder[1], 2 * ladder[2], 2 * ladder[3], 2 * ladder[4]}, cs.ChunkSize)
	assert.Equal(t, cs.ChunkSize, hs.ChunkSize, "host adopts the recommended chunk size")
	assert.Equal(t, cs.ClockOffsetMs, hs.ClockOffsetMs, "host adopts the offset")
	assert.InDelta(t, 0, cs.ClockOffsetMs, 50, "same clock on both ends")
	assert.GreaterOrEqual(t, cs.PeerLatencyMs, int64(0))
	assert.NoError(t, cs.Err)
	assert.Equal(t, config.RoleClient, cs.Role)
}

func TestStateNeverMovesBack(t *testing.T) {
	host, client := pair(t)

	var mu sync.Mutex
	var seen []State
	host.OnUpdate(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})
	ready(t, host, client)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].rank(), seen[i-1].rank(), "states %v", seen)
	}
}

func TestTransfer(t *testing.T) {
	host, client := pair(t)
	ready(t, host, client)

	payload := make([]byte, 300_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	require.NoError(t, client.PrepareFile("data.bin", bytes.NewReader(payload), int64(len(payload))))
	require.Eventually(t, func() bool { return host.Snapshot().Incoming != nil }, wait, 5*time.Millisecond)

	require.NoError(t, client.SendFile(context.Background()))
	out := client.Snapshot().Outgoing
	require.NotNil(t, out)
	assert.True(t, out.Finished)
	assert.Equal(t, out.Total, out.Done)

	require.Eventually(t, func() bool {
		in := host.Snapshot().Incoming
		return in != nil && in.Finished
	}, wait, 5*time.Millisecond)

	in := host.Snapshot().Incoming
	assert.Equal(t, in.Total, in.Done)
	assert.NoError(t, in.Err)

	got, err := host.TakeReceived()
	require.NoError(t, err)
	assert.Equal(t, "data.bin", got.Name)
	assert.True(t, bytes.Equal(payload, got.Data))
	assert.Nil(t, host.Snapshot().Incoming)

	ready(t, host, client)

	// Sequential transfers are allowed.
	require.NoError(t, host.PrepareFile("back.bin", bytes.NewReader([]byte("reply")), 5))
	require.NoError(t, host.SendFile(context.Background()))
	require.Eventually(t, func() bool {
		in := client.Snapshot().Incoming
		return in != nil && in.Finished
	}, wait, 5*time.Millisecond)
	back, err := client.TakeReceived()
	require.NoError(t, err)
	assert.Equal(t, "reply", string(back.Data))
}

// trackedSource is an in-memory file that records being closed.
type trackedSource struct {
	*bytes.Reader
	closed atomic.Bool
}

func newTrackedSource(b []byte) *trackedSource {
	return &trackedSource{Reader: bytes.NewReader(b)}
}

func (s *trackedSource) Close() error {
	s.closed.Store(true)
	return nil
}

// TestCancelBeforeChunk: filePrepared then fileCancelPrepare clears both ends.
func TestCancelBeforeChunk(t *testing.T) {
	host, client := pair(t)
	ready(t, host, client)

	src := newTrackedSource(make([]byte, 10))
	require.NoError(t, client.PrepareFile("a.bin", src, 10))
	require.Eventually(t, func() bool { return host.Snapshot().Incoming != nil }, wait, 5*time.Millisecond)

	require.NoError(t, client.CancelPrepare())
	assert.Nil(t, client.Snapshot().Outgoing)
	assert.True(t, src.closed.Load())
	require.Eventually(t, func() bool { return host.Snapshot().Incoming == nil }, wait, 5*time.Millisecond)

	assert.ErrorIs(t, client.SendFile(context.Background()), failure.ErrInvalidState)
	assert.ErrorIs(t, client.CancelPrepare(), failure.ErrInvalidState)
}

// TestReceiverCancels: the receiving side withdraws the announced file and
// the sender forgets it too.
func TestReceiverCancels(t *testing.T) {
	host, client := pair(t)
	ready(t, host, client)

	src := newTrackedSource(make([]byte, 10))
	require.NoError(t, client.PrepareFile("a.bin", src, 10))
	require.Eventually(t, func() bool { return host.Snapshot().Incoming != nil }, wait, 5*time.Millisecond)

	require.NoError(t, host.CancelPrepare())
	assert.Nil(t, host.Snapshot().Incoming)
	require.Eventually(t, func() bool { return client.Snapshot().Outgoing == nil }, wait, 5*time.Millisecond)
	assert.True(t, src.closed.Load())

	assert.ErrorIs(t, client.SendFile(context.Background()), failure.ErrInvalidState)
	assert.ErrorIs(t, host.CancelPrepare(), failure.ErrInvalidState)
}

func TestPeerCancelDropsOutgoing(t *testing.T) {
	a, b := transport.NewPipe()
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning()})
	peer := newRawPeer(t, b)

	src := newTrackedSource(make([]byte, 10))
	require.NoError(t, host.PrepareFile("a.bin", src, 10))
	require.Eventually(t, func() bool {
		return peer.received(protocol.FilePrepared{Name: "a.bin", Bytes: 10})
	}, wait, 5*time.Millisecond)

	peer.send(t, protocol.FileCancel{})
	require.Eventually(t, func() bool { return host.Snapshot().Outgoing == nil }, wait, 5*time.Millisecond)
	assert.True(t, src.closed.Load())
}

func TestSourceClosed(t *testing.T) {
	host, client := pair(t)
	ready(t, host, client)

	replaced := newTrackedSource([]byte("old"))
	require.NoError(t, client.PrepareFile("old.bin", replaced, 3))
	sent := newTrackedSource([]byte("new"))
	require.NoError(t, client.PrepareFile("new.bin", sent, 3))
	assert.True(t, replaced.closed.Load(), "replaced by the next PrepareFile")
	assert.False(t, sent.closed.Load())

	require.NoError(t, client.SendFile(context.Background()))
	assert.True(t, sent.closed.Load(), "closed once sent")
	assert.Equal(t, "new.bin", client.Snapshot().Outgoing.Name)

	pending := newTrackedSource([]byte("left"))
	require.NoError(t, client.PrepareFile("left.bin", pending, 4))
	require.NoError(t, client.Close())
	assert.True(t, pending.closed.Load(), "closed with the session")
}

func TestCancelWhileStreamingIgnored(t *testing.T) {
	a, b := transport.NewPipe()
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning()})
	peer := newRawPeer(t, b)

	peer.send(t,
		protocol.FilePrepared{Name: "x", Bytes: 4},
		protocol.FileSending{},
		protocol.FilePacket{Partition: 0},
		protocol.Chunk("ab"),
		protocol.FileCancel{},
		protocol.FilePacket{Partition: 2},
		protocol.Chunk("cd"),
		protocol.FileFinished{Name: "x"},
	)

	require.Eventually(t, func() bool {
		in := host.Snapshot().Incoming
		return in != nil && in.Finished
	}, wait, 5*time.Millisecond)

	got, err := host.TakeReceived()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got.Data))
}

// TestPingPongLatency: a pong echoing 1000 that arrives at 1040 gives 40 ms.
func TestPingPongLatency(t *testing.T) {
	a, b := transport.NewPipe()
	now := func() time.Time { return time.UnixMilli(1040) }
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning(), Now: now})
	peer := newRawPeer(t, b)

	peer.send(t, protocol.Pong(1000))
	require.Eventually(t, func() bool { return host.Snapshot().PeerLatencyMs == 40 }, wait, 5*time.Millisecond)
	assert.Equal(t, StateLatencyProbed, host.Snapshot().State)

	// Pings are echoed unchanged and sent on the probe interval.
	peer.send(t, protocol.Ping(77))
	require.Eventually(t, func() bool { return peer.received(protocol.Pong(77)) }, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return peer.received(protocol.Ping(1040)) }, wait, 5*time.Millisecond)
}

func TestResponderAnswersHandshake(t *testing.T) {
	a, b := transport.NewPipe()
	now := func() time.Time { return time.UnixMilli(5000) }
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning(), Now: now})
	peer := newRawPeer(t, b)

	peer.send(t, protocol.TimeSync{T1: 4900}, protocol.SpeedTest(make([]byte, 2048)))
	require.Eventually(t, func() bool {
		return peer.received(protocol.TimeSyncResponse{T1: 4900, T2: 5000}) && peer.received(protocol.SpeedAck{})
	}, wait, 5*time.Millisecond)

	// timeSyncResult may arrive before any pong; the state jumps forward.
	peer.send(t, protocol.TimeSyncResult(-12.5))
	require.Eventually(t, func() bool { return host.Snapshot().State == StateClockSynced }, wait, 5*time.Millisecond)
	assert.Equal(t, -12.5, host.Snapshot().ClockOffsetMs)

	peer.send(t, protocol.SpeedResult(16384))
	require.Eventually(t, func() bool { return host.Snapshot().State == StateReady }, wait, 5*time.Millisecond)
	assert.Equal(t, 16384, host.Snapshot().ChunkSize)

	// A late pong does not move a ready session back.
	peer.send(t, protocol.Pong(4990))
	require.Eventually(t, func() bool { return host.Snapshot().PeerLatencyMs == 10 }, wait, 5*time.Millisecond)
	assert.Equal(t, StateReady, host.Snapshot().State)
}

func TestMalformedAndPrematureDropped(t *testing.T) {
	a, b := transport.NewPipe()
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning()})
	peer := newRawPeer(t, b)

	require.NoError(t, b.Send(protocol.Frame{Data: []byte("{not json"), IsText: true}))
	require.NoError(t, b.Send(protocol.Frame{Data: []byte(`{"command":"bogus","data":1}`), IsText: true}))
	peer.send(t,
		protocol.TimeSyncResponse{T1: 1, T2: 2},
		protocol.SpeedAck{},
		protocol.FilePacket{Partition: 0},
		protocol.Chunk("orphan"),
		protocol.FileFinished{Name: "nothing"},
		protocol.Message("still alive"),
	)

	require.Eventually(t, func() bool { return len(host.Snapshot().Chat) == 1 }, wait, 5*time.Millisecond)
	s := host.Snapshot()
	assert.Equal(t, ChatLine{From: FromPeer, Content: "still alive"}, s.Chat[0])
	assert.Nil(t, s.Incoming)
	assert.False(t, s.State.Terminal())
}

func TestSizeMismatchReported(t *testing.T) {
	a, b := transport.NewPipe()
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning()})
	peer := newRawPeer(t, b)

	peer.send(t,
		protocol.FilePrepared{Name: "short", Bytes: 100},
		protocol.FileSending{},
		protocol.FilePacket{Partition: 0},
		protocol.Chunk("abc"),
		protocol.FileFinished{Name: "short"},
	)

	require.Eventually(t, func() bool {
		in := host.Snapshot().Incoming
		return in != nil && in.Finished
	}, wait, 5*time.Millisecond)
	assert.ErrorIs(t, host.Snapshot().Incoming.Err, failure.ErrSizeMismatch)

	got, err := host.TakeReceived()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got.Data))
}

func TestChat(t *testing.T) {
	host, client := pair(t)

	require.NoError(t, client.SendChat("hello"))
	require.Eventually(t, func() bool { return len(host.Snapshot().Chat) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, []ChatLine{{From: FromYou, Content: "hello"}}, client.Snapshot().Chat)
	assert.Equal(t, []ChatLine{{From: FromPeer, Content: "hello"}}, host.Snapshot().Chat)
}

func TestFirstPongTimeoutFails(t *testing.T) {
	a, b := transport.NewPipe()
	newRawPeer(t, b) // swallows pings, never answers

	tuning := fastTuning()
	tuning.FirstPongTimeout = 50 * time.Millisecond
	client := start(t, a, Options{Role: config.RoleClient, Tuning: tuning})

	require.Eventually(t, func() bool { return client.Snapshot().State == StateFailed }, wait, 5*time.Millisecond)
	err := client.Snapshot().Err
	assert.True(t, errors.Is(err, failure.ErrTimeout), "got %v", err)

	assert.ErrorIs(t, client.SendChat("x"), failure.ErrInvalidState)
}

func TestClockSyncTimeoutFails(t *testing.T) {
	a, b := transport.NewPipe()
	peer := newRawPeer(t, b)
	peer.send(t, protocol.Pong(0)) // latency probed, then silence

	tuning := fastTuning()
	tuning.SyncRoundTimeout = 20 * time.Millisecond
	tuning.SyncRetries = 1
	client := start(t, a, Options{Role: config.RoleClient, Tuning: tuning})

	require.Eventually(t, func() bool { return client.Snapshot().State == StateFailed }, wait, 5*time.Millisecond)
	assert.ErrorIs(t, client.Snapshot().Err, failure.ErrTimeout)
}

func TestChannelCloseEndsSession(t *testing.T) {
	host, client := pair(t)
	ready(t, host, client)

	require.NoError(t, client.Close())
	for _, c := range []*Coordinator{host, client} {
		select {
		case <-c.Done():
		case <-time.After(wait):
			t.Fatalf("%s session did not end", c.role)
		}
		assert.Equal(t, StateClosed, c.Snapshot().State)
	}
}

func TestSendFileNeedsReady(t *testing.T) {
	a, b := transport.NewPipe()
	newRawPeer(t, b)
	host := start(t, a, Options{Role: config.RoleHost, Tuning: fastTuning()})

	require.NoError(t, host.PrepareFile("early.bin", bytes.NewReader([]byte("x")), 1))
	assert.ErrorIs(t, host.SendFile(context.Background()), failure.ErrInvalidState)
}

func TestIdleRejectsRequests(t *testing.T) {
	a, _ := transport.NewPipe()
	c, err := New(a, Options{Role: config.RoleHost, Tuning: fastTuning()})
	require.NoError(t, err)

	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.ErrorIs(t, c.SendChat("x"), failure.ErrInvalidState)
	assert.ErrorIs(t, c.PrepareFile("a", bytes.NewReader(nil), 0), failure.ErrInvalidState)
	_, err = c.TakeReceived()
	assert.ErrorIs(t, err, failure.ErrInvalidState)
}
