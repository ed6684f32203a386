package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/session"
	"github.com/1ureka/peerlink/internal/store"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

const helpText = `commands:
  /send <path>  announce a file to the peer
  /start        stream the announced file (session must be ready)
  /cancel       withdraw the announced file before it streams
  /quit         end the session
  anything else is sent as chat`

// runSession drives one Coordinator until the channel closes, ctx is
// cancelled or the user quits.
func runSession(ctx context.Context, ch transport.Channel, cfg config.Config) error {
	sink, err := store.NewDir(cfg.OutputDir)
	if err != nil {
		ch.Close()
		return err
	}

	coord, err := session.New(ch, session.Options{Role: cfg.Role, Tuning: cfg.Tuning})
	if err != nil {
		ch.Close()
		return err
	}
	defer coord.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := newProgressView()
	finished := make(chan struct{}, 1)
	readyCh := make(chan struct{})
	var readyOnce sync.Once

	coord.OnUpdate(func(s session.Snapshot) {
		view.update(s)
		if s.Incoming != nil && s.Incoming.Finished {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
		if s.State == session.StateReady {
			readyOnce.Do(func() { close(readyCh) })
		}
	})
	coord.Start(ctx)

	go saveReceived(ctx, coord, sink, finished)
	go func() {
		select {
		case <-readyCh:
		case <-ctx.Done():
			return
		}
		s := coord.Snapshot()
		pterm.Success.Printfln("session ready: latency %d ms, clock offset %.2f ms, chunk size %d KiB",
			s.PeerLatencyMs, s.ClockOffsetMs, s.ChunkSize/1024)
		pterm.Println(helpText)

		if cfg.SendPath != "" {
			if prepare(coord, cfg.SendPath) {
				go startSend(ctx, coord)
			}
		}
	}()

	lines := readLines(ctx)
	for {
		select {
		case <-coord.Done():
			if err := coord.Snapshot().Err; err != nil {
				return fmt.Errorf("session failed: %w", err)
			}
			return nil

		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				<-coord.Done()
				return nil
			}
			if quit := handleLine(ctx, coord, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one console command; it reports true on /quit.
func handleLine(ctx context.Context, coord *session.Coordinator, line string) bool {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")

	switch cmd {
	case "":
	case "/quit":
		return true
	case "/help":
		pterm.Println(helpText)
	case "/send":
		if arg == "" {
			util.LogWarning("usage: /send <path>")
			break
		}
		prepare(coord, strings.TrimSpace(arg))
	case "/start":
		go startSend(ctx, coord)
	case "/cancel":
		if err := coord.CancelPrepare(); err != nil {
			util.LogWarning("%v", err)
		}
	default:
		if err := coord.SendChat(line); err != nil {
			util.LogWarning("%v", err)
		}
	}
	return false
}

func prepare(coord *session.Coordinator, path string) bool {
	src, err := store.OpenPath(path)
	if err != nil {
		util.LogWarning("%v", err)
		return false
	}
	// The session closes src from here on.
	if err := coord.PrepareFile(src.Name, src, src.Size); err != nil {
		util.LogWarning("%v", err)
		return false
	}
	return true
}

func startSend(ctx context.Context, coord *session.Coordinator) {
	if err := coord.SendFile(ctx); err != nil {
		util.LogWarning("%v", err)
	}
}

// saveReceived writes every finished incoming file to the store.
func saveReceived(ctx context.Context, coord *session.Coordinator, sink *store.Store, finished <-chan struct{}) {
	for {
		select {
		case <-finished:
			r, err := coord.TakeReceived()
			if err != nil {
				continue
			}
			if _, err := sink.Save(r); err != nil {
				util.LogError("failed to save %s: %v", r.Name, err)
			}
		case <-ctx.Done():
			return
		case <-coord.Done():
			return
		}
	}
}

// readLines streams stdin lines until EOF.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
