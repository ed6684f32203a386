package transport

import (
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
)

// mailbox queues inbound frames and delivers them to the registered handler
// from one goroutine, in order. Frames queued before close are still
// delivered if a handler is already set; with no handler at close they are
// dropped and the delivery goroutine exits.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []protocol.Frame
	queued  uint64
	handler func(protocol.Frame)
	closed  bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// push enqueues f; it reports false once the mailbox is closed.
func (m *mailbox) push(f protocol.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.queue = append(m.queue, f)
	m.queued += uint64(len(f.Data))
	m.cond.Signal()
	return true
}

func (m *mailbox) setHandler(fn func(protocol.Frame)) {
	m.mu.Lock()
	m.handler = fn
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	if m.handler == nil {
		m.queue, m.queued = nil, 0
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// pending is the byte count waiting for delivery.
func (m *mailbox) pending() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for !m.closed && (m.handler == nil || len(m.queue) == 0) {
			m.cond.Wait()
		}
		if m.handler == nil || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}

		f := m.queue[0]
		m.queue[0] = protocol.Frame{}
		m.queue = m.queue[1:]
		m.queued -= uint64(len(f.Data))
		fn := m.handler
		m.mu.Unlock()

		fn(f)
	}
}
