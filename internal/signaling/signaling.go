// Package signaling establishes the peer channel: an ID-gated WebSocket
// endpoint carries the SDP/ICE exchange, then hands back a ready Transport.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// Listen opens an endpoint on addr with a fresh ID. The endpoint stops
// when ctx is cancelled or Close is called.
func Listen(ctx context.Context, addr string) (*Endpoint, error) {
	e, err := newEndpoint(addr)
	if err != nil {
		return nil, err
	}
	e.stop = context.AfterFunc(ctx, func() { e.server.Close() })

	util.LogDebug("signaling endpoint listening on %s", e.listener.Addr())
	return e, nil
}

// PrintEndpoint shows the endpoint's port and ID in a box.
func PrintEndpoint(e *Endpoint) {
	pterm.DefaultBox.WithTitle("Signaling Endpoint").Println(fmt.Sprintf(
		"Port : %d\nID   : %s\n\nForward this port (e.g. VS Code port forwarding)\nand share the URL with ?id=<ID>",
		e.Port(), e.ID(),
	))
}

// Accept waits for one peer to connect with the current ID, offers a
// DataChannel and returns the Transport once it is open.
func (e *Endpoint) Accept(ctx context.Context) (*transport.Transport, error) {
	wsConn, err := e.waitForPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for peer: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("peer connected to signaling endpoint")

	return establish(ctx, wsConn, true)
}

// Dial connects to an endpoint URL (including ?id=) and returns the
// Transport once the DataChannel is open.
func Dial(ctx context.Context, wsURL string) (*transport.Transport, error) {
	util.LogInfo("connecting to %s", wsURL)
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	return establish(ctx, wsConn, false)
}

// establish runs the SDP/ICE exchange over wsConn. The offerer sends the
// offer; the other side answers from its receiver loop.
func establish(ctx context.Context, wsConn *websocket.Conn, offerer bool) (*transport.Transport, error) {
	tr, err := transport.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Transport: %w", err)
	}

	s := &sender{tr: tr, conn: wsConn}
	r := &receiver{tr: tr, conn: wsConn, sender: s}

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		switch err := s.candidate(c); {
		case errors.Is(err, errClosed):
			// The WebSocket closes as soon as the channel opens.
			util.LogDebug("late ICE candidate dropped")
		case err != nil:
			util.LogWarning("%v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when the caller closes wsConn
	}()

	if offerer {
		if err := s.describe(msgTypeOffer); err != nil {
			tr.Close()
			return nil, err
		}
	}

	select {
	case <-tr.Ready():
		util.LogSuccess("WebRTC DataChannel established, closing WS")
		return tr, nil

	case err := <-errCh:
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}
