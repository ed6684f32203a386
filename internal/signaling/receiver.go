package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// receiver applies the peer's signaling messages to the local Transport,
// answering an offer through the paired sender.
type receiver struct {
	tr     *transport.Transport
	conn   *websocket.Conn
	sender *sender
}

// watch reads until the WebSocket fails or closes.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("apply offer: %w", err)
			}
			if err := r.sender.describe(msgTypeAnswer); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("apply answer: %w", err)
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := r.tr.AddICECandidate(init); err != nil {
				return fmt.Errorf("add ICE candidate: %w", err)
			}

		default:
			util.LogDebug("ignoring signaling message of type %q", msg.Type)
		}
	}
}
