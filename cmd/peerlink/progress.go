package main

import (
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/session"
)

// progressView renders a pterm progress bar per transfer direction.
type progressView struct {
	mu       sync.Mutex
	outgoing *pterm.ProgressbarPrinter
	incoming *pterm.ProgressbarPrinter
}

func newProgressView() *progressView {
	return &progressView{}
}

func (v *progressView) update(s session.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.outgoing = render(v.outgoing, s.Outgoing, "↑ ")
	v.incoming = render(v.incoming, s.Incoming, "↓ ")
}

// render starts, advances or stops bar to match p.
func render(bar *pterm.ProgressbarPrinter, p *session.Progress, prefix string) *pterm.ProgressbarPrinter {
	active := p != nil && p.Streaming && p.Total > 0

	if bar == nil {
		if !active {
			return nil
		}
		bar, _ = pterm.DefaultProgressbar.WithTotal(p.Total).WithTitle(prefix + p.Name).Start()
		return bar
	}

	if p != nil && p.Done > bar.Current {
		bar.Add(p.Done - bar.Current)
	}
	if !active {
		bar.Stop()
		return nil
	}
	return bar
}
