package transport

import (
	"sync"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Pipe is one end of an in-memory, ordered, reliable Channel pair.
type Pipe struct {
	peer  *Pipe
	inbox *mailbox
	link  *pipeLink
}

// pipeLink is the state both ends share.
type pipeLink struct {
	done chan struct{}
	once sync.Once
}

// NewPipe returns two connected ends. Frames sent on one are delivered to the
// other's handler in send order. Closing either end closes both.
func NewPipe() (a, b *Pipe) {
	link := &pipeLink{done: make(chan struct{})}
	a = &Pipe{inbox: newMailbox(), link: link}
	b = &Pipe{inbox: newMailbox(), link: link}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies f into the peer's inbox.
func (p *Pipe) Send(f protocol.Frame) error {
	select {
	case <-p.link.done:
		return failure.Newf(failure.CodeChannelClosed, "pipe.Send", "pipe closed")
	default:
	}

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	if !p.peer.inbox.push(protocol.Frame{Data: data, IsText: f.IsText}) {
		return failure.Newf(failure.CodeChannelClosed, "pipe.Send", "pipe closed")
	}

	util.Stats.AddSent(len(data))
	util.Stats.AddRecv(len(data))
	return nil
}

func (p *Pipe) OnFrame(fn func(protocol.Frame)) {
	p.inbox.setHandler(fn)
}

// BufferedAmount is what the peer has not consumed yet.
func (p *Pipe) BufferedAmount() uint64 {
	return p.peer.inbox.pending()
}

func (p *Pipe) Done() <-chan struct{} {
	return p.link.done
}

// Close closes both ends. Frames already sent are still delivered to an end
// whose handler is set; an end without one drops them.
func (p *Pipe) Close() error {
	p.link.once.Do(func() {
		close(p.link.done)
		p.inbox.close()
		p.peer.inbox.close()
	})
	return nil
}
