package session

import (
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
)

// Handler processes one inbound command.
type Handler func(c *Coordinator, cmd protocol.Command) error

// Dispatcher maintains the kind → handler route table consulted for every
// decoded inbound frame.
type Dispatcher struct {
	mu         sync.RWMutex
	routeTable map[protocol.Kind]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		routeTable: make(map[protocol.Kind]Handler),
	}
}

// Register routes kind to h, replacing any previous handler.
func (d *Dispatcher) Register(kind protocol.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeTable[kind] = h
}

// Route looks up the handler for kind.
func (d *Dispatcher) Route(kind protocol.Kind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.routeTable[kind]
	return h, ok
}
