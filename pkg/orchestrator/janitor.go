package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EntryEvictor is the slice of the resolution cache the janitor needs.
type EntryEvictor interface {
	EvictExpired(inUse func(stationName string) bool) int
}

// Janitor periodically reclaims guild records that sat idle past the
// threshold and expired cache entries no guild references anymore.
type Janitor struct {
	orch   *Orchestrator
	cache  EntryEvictor
	logger zerolog.Logger
}

// NewJanitor creates a janitor over the orchestrator and cache.
func NewJanitor(orch *Orchestrator, cache EntryEvictor, logger zerolog.Logger) *Janitor {
	return &Janitor{
		orch:   orch,
		cache:  cache,
		logger: logger.With().Str("component", "janitor").Logger(),
	}
}

// Run sweeps at the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.orch.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep performs a single pass.
func (j *Janitor) Sweep() {
	reaped := j.orch.reapIdle()
	evicted := 0
	if j.cache != nil {
		evicted = j.cache.EvictExpired(j.orch.stationInUse)
	}
	if reaped > 0 || evicted > 0 {
		j.logger.Debug().Int("guilds_reaped", reaped).Int("cache_evicted", evicted).Msg("sweep complete")
	}
}
