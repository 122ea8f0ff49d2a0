package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvictor struct {
	mu     sync.Mutex
	sweeps int
	inUse  func(string) bool
}

func (f *fakeEvictor) EvictExpired(inUse func(string) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	f.inUse = inUse
	return 0
}

func (f *fakeEvictor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func TestJanitorSweepReapsAndEvicts(t *testing.T) {
	cfg := testConfig()
	o, _, _ := newTestOrchestrator(t, cfg)

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	o.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)
	o.Stop("g1")

	clockMu.Lock()
	clock = clock.Add(cfg.IdleThreshold + time.Second)
	clockMu.Unlock()

	ev := &fakeEvictor{}
	j := NewJanitor(o, ev, zerolog.Nop())
	j.Sweep()

	assert.Equal(t, 1, ev.count())
	require.NotNil(t, ev.inUse, "janitor must pass the in-use guard to the cache")
	assert.False(t, ev.inUse("Alpha FM"), "reaped guild no longer pins its station")

	o.mu.Lock()
	_, stillTracked := o.guilds["g1"]
	o.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	o, _, _ := newTestOrchestrator(t, cfg)

	ev := &fakeEvictor{}
	j := NewJanitor(o, ev, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return ev.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on cancel")
	}
}
