package signaling

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Endpoint is the listening side of signaling: a WebSocket server that only
// admits peers presenting its current ID.
type Endpoint struct {
	listener net.Listener
	server   *http.Server
	connCh   chan *websocket.Conn
	stop     func() bool

	mu sync.RWMutex
	id string
}

// newEndpoint starts serving on addr (":0" picks a free port).
func newEndpoint(addr string) (*Endpoint, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	e := &Endpoint{
		listener: listener,
		connCh:   make(chan *websocket.Conn, 1),
		id:       uuid.NewString(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.handleWS)
	e.server = &http.Server{Handler: mux}

	go func() {
		_ = e.server.Serve(listener)
	}()

	return e, nil
}

// ID is the identifier peers must present as ?id=.
func (e *Endpoint) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// Port is the TCP port the endpoint listens on.
func (e *Endpoint) Port() int {
	return e.listener.Addr().(*net.TCPAddr).Port
}

// URL is the WebSocket URL a peer reaches this endpoint at through host.
func (e *Endpoint) URL(host string) string {
	return endpointURL(host, e.Port(), e.ID())
}

// Reroll replaces the endpoint ID. Peers holding the old one are rejected
// from now on, and a connection still waiting to be accepted is dropped.
func (e *Endpoint) Reroll() string {
	e.mu.Lock()
	e.id = uuid.NewString()
	id := e.id
	e.mu.Unlock()

	select {
	case conn := <-e.connCh:
		conn.Close()
	default:
	}
	return id
}

// Close stops accepting connections.
func (e *Endpoint) Close() error {
	if e.stop != nil {
		e.stop()
	}
	return e.server.Close()
}

func (e *Endpoint) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("id") != e.ID() {
		http.Error(w, "Unknown endpoint", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first peer.
	select {
	case e.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

// waitForPeer blocks until a peer connects or ctx is cancelled.
func (e *Endpoint) waitForPeer(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-e.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials the given WebSocket URL and returns the connection.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

func endpointURL(host string, port int, id string) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/ws",
		RawQuery: url.Values{"id": {id}}.Encode(),
	}
	return u.String()
}
