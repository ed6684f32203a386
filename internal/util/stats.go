package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide channel traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // frames handed to the channel
	FramesRecv atomic.Int64 // frames delivered by the channel
	BytesSent  atomic.Int64 // cumulative frame bytes written
	BytesRecv  atomic.Int64 // cumulative frame bytes read
	ChunksSent atomic.Int64 // file chunk bodies written
	ChunksRecv atomic.Int64 // file chunk bodies appended
	Transfers  atomic.Int64 // transfers finished in either direction
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddChunkSent()   { s.ChunksSent.Add(1) }
func (s *stats) AddChunkRecv()   { s.ChunksRecv.Add(1) }
func (s *stats) AddTransferred() { s.Transfers.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs channel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevChunksOut, prevChunksIn int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				chunksOut := Stats.ChunksSent.Load()
				chunksIn := Stats.ChunksRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				outC := chunksOut - prevChunksOut
				inC := chunksIn - prevChunksIn

				// Pings alone stay under the 10 B/s floor.
				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevChunksOut = chunksOut
				prevChunksIn = chunksIn

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Chunks: %4d↓ %4d↑",
		FormatBytes(inS),
		FormatBytes(outS),
		inC,
		outC,
	)
}
