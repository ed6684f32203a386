package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/transport"
)

const writeTimeout = 10 * time.Second

// sender is the write half of one signaling exchange. Writes are serialized
// because pion reports ICE candidates from its own goroutines.
type sender struct {
	tr   *transport.Transport
	conn *websocket.Conn

	mu sync.Mutex
}

func (s *sender) write(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// describe creates the local offer or answer, applies it and sends its SDP.
func (s *sender) describe(kind messageType) error {
	var (
		sdp webrtc.SessionDescription
		err error
	)
	switch kind {
	case msgTypeOffer:
		sdp, err = s.tr.CreateOffer()
	case msgTypeAnswer:
		sdp, err = s.tr.CreateAnswer()
	default:
		return fmt.Errorf("cannot describe %q", kind)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", kind, err)
	}

	if err := s.tr.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local %s: %w", kind, err)
	}
	if err := s.write(message{Type: kind, SDP: sdp.SDP}); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// candidate trickles one local ICE candidate. A nil candidate marks the end
// of gathering and is not sent. Candidates gathered after the WebSocket was
// closed report errClosed.
func (s *sender) candidate(c *webrtc.ICECandidate) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}

	err = s.write(message{Type: msgTypeCandidate, Candidate: string(data)})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, websocket.ErrCloseSent), errors.Is(err, net.ErrClosed):
		return errClosed
	default:
		return fmt.Errorf("send candidate: %w", err)
	}
}

var errClosed = errors.New("signaling connection closed")
