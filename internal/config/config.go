// Package config holds the CLI configuration and the protocol tuning values.
package config

import (
	"time"

	"github.com/1ureka/peerlink/internal/failure"
)

// Role represents the user's chosen role (host or client).
// The host owns the endpoint and answers; the client dials and drives the handshake.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config stores all parameters gathered from CLI flags or interactive prompts.
type Config struct {
	Role      Role
	WSAddr    string // Host: signaling listen address
	WSURL     string // Client: signaling URL, including the endpoint id
	Discover  bool   // Advertise (host) or browse for (client) the endpoint over mDNS
	OutputDir string // Where finished incoming files are written
	SendPath  string // Optional file to prepare as soon as the session is ready
	Debug     bool

	Tuning Tuning
}

// Tuning holds every timing and sizing constant of the session protocol.
type Tuning struct {
	ProbeInterval    time.Duration // periodic ping
	FirstPongTimeout time.Duration

	SyncRounds       int
	SyncSettle       time.Duration // pause between rounds
	SyncRoundTimeout time.Duration
	SyncRetries      int // extra attempts per round before giving up

	CalibrationLadder       []int // ascending probe sizes in bytes
	CalibrationDelay        time.Duration
	CalibrationProbeTimeout time.Duration

	PauseEvery     int    // pause after every n-th slice
	PauseThreshold uint64 // or when the channel buffers more than this
	PauseInterval  time.Duration

	VerifySize bool // compare received length with the announced size on finish
}

// DefaultTuning returns the values peers are known to interoperate with.
func DefaultTuning() Tuning {
	return Tuning{
		ProbeInterval:    2 * time.Second,
		FirstPongTimeout: 10 * time.Second,

		SyncRounds:       5,
		SyncSettle:       150 * time.Millisecond,
		SyncRoundTimeout: 5 * time.Second,
		SyncRetries:      2,

		CalibrationLadder:       []int{2048, 4096, 8192, 16384, 32768},
		CalibrationDelay:        50 * time.Millisecond,
		CalibrationProbeTimeout: 5 * time.Second,

		PauseEvery:     15,
		PauseThreshold: 500_000,
		PauseInterval:  100 * time.Millisecond,

		VerifySize: true,
	}
}

// Default returns a Config with default tuning and the current directory as output.
func Default() Config {
	return Config{
		OutputDir: ".",
		Tuning:    DefaultTuning(),
	}
}

// Validate rejects tuning values the engines cannot run with.
func (t Tuning) Validate() error {
	const op = "config.Validate"

	switch {
	case t.ProbeInterval <= 0:
		return failure.Newf(failure.CodeInvalidConfig, op, "probe interval must be positive")
	case t.SyncRounds < 1:
		return failure.Newf(failure.CodeInvalidConfig, op, "sync rounds must be at least 1")
	case t.SyncRetries < 0:
		return failure.Newf(failure.CodeInvalidConfig, op, "sync retries cannot be negative")
	case len(t.CalibrationLadder) == 0:
		return failure.Newf(failure.CodeInvalidConfig, op, "calibration ladder is empty")
	case t.PauseEvery < 1:
		return failure.Newf(failure.CodeInvalidConfig, op, "pause-every must be at least 1")
	case t.SyncSettle < 0 || t.CalibrationDelay < 0 || t.PauseInterval < 0:
		return failure.Newf(failure.CodeInvalidConfig, op, "delays cannot be negative")
	}

	prev := 0
	for _, size := range t.CalibrationLadder {
		if size <= prev {
			return failure.Newf(failure.CodeInvalidConfig, op, "calibration ladder must be positive and ascending, got %v", t.CalibrationLadder)
		}
		prev = size
	}
	return nil
}
