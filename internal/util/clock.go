package util

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever comes first.
// A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Millis converts t to epoch milliseconds, the unit every timestamp on the wire uses.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
