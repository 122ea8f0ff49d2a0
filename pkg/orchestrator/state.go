package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/bnfone/discord-bot-alastor/pkg/station"
)

// Phase is the lifecycle state of one guild's stream.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseConnecting
	PhasePlaying
	PhaseStopping
	PhaseRetrying
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseResolving:
		return "resolving"
	case PhaseConnecting:
		return "connecting"
	case PhasePlaying:
		return "playing"
	case PhaseStopping:
		return "stopping"
	case PhaseRetrying:
		return "retrying"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a guild's stream state.
type Status struct {
	Phase       Phase
	StationName string
	StartedAt   time.Time
	Failures    int
	NextRetryAt time.Time
	LastError   string
}

// guildState is the per-guild stream record. All fields are guarded by mu;
// attempt is a generation counter bumped by every explicit play or stop so
// stale async completions recognize they were superseded. attemptDone is
// the current attempt's completion channel: a successor attempt waits on
// it before touching the transport, so a guild never has two attempts in
// flight.
type guildState struct {
	mu      sync.Mutex
	guildID string
	removed bool

	phase         Phase
	station       *station.Definition
	target        VoiceTarget
	session       PlaybackSession
	failures      int
	nextRetryAt   time.Time
	startedAt     time.Time
	idleSince     time.Time
	lastErr       error
	attempt       uint64
	attemptDone   chan struct{}
	attemptCancel context.CancelFunc
	retryTimer    *time.Timer
}

func (g *guildState) stopRetryTimerLocked() {
	if g.retryTimer != nil {
		g.retryTimer.Stop()
		g.retryTimer = nil
	}
}
