package session

import (
	"fmt"
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
)

// link encodes commands onto the channel. One lock serializes every write so
// a chunk header and its body stay adjacent while pings interleave.
type link struct {
	ch transport.Channel
	mu sync.Mutex
}

func (l *link) Send(cmd protocol.Command) error {
	f, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ch.Send(f); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Kind(), err)
	}
	return nil
}

// SendChunk writes the filePeerPacket header and its binary body back to back.
func (l *link) SendChunk(header protocol.FilePacket, body []byte) error {
	hf, err := protocol.Encode(header)
	if err != nil {
		return err
	}
	bf, err := protocol.Encode(protocol.Chunk(body))
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ch.Send(hf); err != nil {
		return fmt.Errorf("send chunk header at %d: %w", header.Partition, err)
	}
	if err := l.ch.Send(bf); err != nil {
		return fmt.Errorf("send chunk body at %d: %w", header.Partition, err)
	}
	return nil
}

func (l *link) BufferedAmount() uint64 {
	return l.ch.BufferedAmount()
}
