// Package orchestrator owns one stream state machine per guild: it drives
// resolution, playback start/stop, retry with backoff on failure, and the
// idle-sweep janitor. Guilds proceed independently; events for a single
// guild are strictly serialized.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnfone/discord-bot-alastor/pkg/station"
	"github.com/bnfone/discord-bot-alastor/pkg/telemetry"
)

// ErrRetryExhausted marks a guild that hit the consecutive-failure ceiling.
// The guild stays Failed until the next explicit play request.
var ErrRetryExhausted = errors.New("retry limit exhausted")

// ErrStreamEnded is the recorded cause when the transport reports an
// unsolicited termination without a more specific error.
var ErrStreamEnded = errors.New("stream terminated unexpectedly")

// Config tunes retry and sweep behavior.
type Config struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64 // fraction of the delay, e.g. 0.25 for ±25%
	MaxFailures    int
	AttemptTimeout time.Duration
	IdleThreshold  time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  30 * time.Second,
		RetryJitter:    0.25,
		MaxFailures:    5,
		AttemptTimeout: 30 * time.Second,
		IdleThreshold:  10 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// URLProvider supplies playable URLs for stations; satisfied by
// stream.Cache.
type URLProvider interface {
	GetOrResolve(ctx context.Context, st *station.Definition) (string, error)
}

// Listener receives lifecycle events. Callbacks are delivered serially from
// a single dispatch goroutine and must not block for long.
type Listener interface {
	PlaybackStarted(guildID string, st *station.Definition)
	PlaybackStopped(guildID string)
	PlaybackFailed(guildID string, err error)
}

// NopListener is a Listener that ignores everything.
type NopListener struct{}

func (NopListener) PlaybackStarted(string, *station.Definition) {}
func (NopListener) PlaybackStopped(string)                      {}
func (NopListener) PlaybackFailed(string, error)                {}

type eventKind int

const (
	eventStarted eventKind = iota
	eventStopped
	eventFailed
)

type event struct {
	kind    eventKind
	guildID string
	station *station.Definition
	err     error
}

// Orchestrator coordinates all guild stream state machines over a shared
// resolution cache and transport.
type Orchestrator struct {
	cfg       Config
	registry  *station.Registry
	urls      URLProvider
	transport Transport
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	now    func() time.Time
	jitter func() float64 // uniform in [0,1)

	mu       sync.Mutex // guards guilds and listener
	guilds   map[string]*guildState
	listener Listener

	events chan event
	quit   chan struct{}
}

// New creates an orchestrator. Call SetListener before the first Play if
// lifecycle events matter, and Shutdown when done.
func New(cfg Config, registry *station.Registry, urls URLProvider, transport Transport, metrics *telemetry.Metrics, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		urls:      urls,
		transport: transport,
		listener:  NopListener{},
		metrics:   metrics,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
		jitter:    rand.Float64,
		guilds:    make(map[string]*guildState),
		events:    make(chan event, 64),
		quit:      make(chan struct{}),
	}
	go o.dispatch()
	return o
}

// SetListener installs the lifecycle event listener. Safe to call while
// the orchestrator is running; events already queued go to the new
// listener.
func (o *Orchestrator) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	o.mu.Lock()
	o.listener = l
	o.mu.Unlock()
}

// Play resolves query to a station and starts (or switches) playback for
// the guild. It returns after query resolution; the network work runs
// asynchronously and failures surface through Status and the Listener.
// A play issued while another stream is active tears the old one down
// first; a guild never runs two streams at once.
func (o *Orchestrator) Play(ctx context.Context, guildID, query string, target VoiceTarget) (*station.Definition, error) {
	matches := o.registry.ResolveQuery(query)
	if len(matches) == 0 {
		return nil, station.ErrNotFound
	}
	st := matches[0].Station

	g := o.lockGuild(guildID)
	gen, prevDone, attemptCtx, done := o.beginAttemptLocked(g)
	prev := g.session
	g.session = nil
	if g.phase != PhaseIdle && g.phase != PhaseFailed {
		o.setPhaseLocked(g, PhaseStopping)
	}
	g.station = st
	g.target = target
	g.failures = 0
	g.lastErr = nil
	g.startedAt = time.Time{}
	g.nextRetryAt = time.Time{}
	o.setPhaseLocked(g, PhaseResolving)
	g.mu.Unlock()

	o.logger.Info().Str("guild", guildID).Str("station", st.Name).Str("query", query).Msg("play requested")
	go o.runAttempt(g, gen, prev, prevDone, attemptCtx, done)
	return st, nil
}

// beginAttemptLocked supersedes the in-flight attempt: bumps the
// generation, cancels the old attempt's context and hands back its done
// channel so the new attempt can wait for it to fully unwind. Caller holds
// g.mu.
func (o *Orchestrator) beginAttemptLocked(g *guildState) (gen uint64, prevDone <-chan struct{}, ctx context.Context, done chan struct{}) {
	g.attempt++
	gen = g.attempt
	g.stopRetryTimerLocked()
	if g.attemptCancel != nil {
		g.attemptCancel()
	}
	prevDone = g.attemptDone
	done = make(chan struct{})
	ctx, g.attemptCancel = context.WithCancel(context.Background())
	g.attemptDone = done
	return gen, prevDone, ctx, done
}

// Stop tears down the guild's stream and returns it to Idle. It always
// succeeds, including on guilds that were never playing.
func (o *Orchestrator) Stop(guildID string) {
	o.mu.Lock()
	g := o.guilds[guildID]
	o.mu.Unlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	g.attempt++
	gen := g.attempt
	g.stopRetryTimerLocked()
	if g.attemptCancel != nil {
		g.attemptCancel()
		g.attemptCancel = nil
	}
	sess := g.session
	g.session = nil
	g.station = nil
	g.failures = 0
	g.lastErr = nil
	g.startedAt = time.Time{}
	g.nextRetryAt = time.Time{}
	if g.phase != PhaseIdle {
		o.setPhaseLocked(g, PhaseStopping)
	}
	g.mu.Unlock()

	if sess != nil {
		if err := o.transport.StopPlayback(sess); err != nil {
			o.logger.Debug().Err(err).Str("guild", guildID).Msg("transport teardown reported no active session")
		}
	}

	g.mu.Lock()
	if g.attempt == gen && g.phase != PhaseIdle {
		o.setPhaseLocked(g, PhaseIdle)
	}
	g.mu.Unlock()
	o.logger.Info().Str("guild", guildID).Msg("stopped")
}

// Status reports the guild's current stream state.
func (o *Orchestrator) Status(guildID string) Status {
	o.mu.Lock()
	g := o.guilds[guildID]
	o.mu.Unlock()
	if g == nil {
		return Status{Phase: PhaseIdle}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s := Status{
		Phase:       g.phase,
		Failures:    g.failures,
		NextRetryAt: g.nextRetryAt,
	}
	if g.station != nil {
		s.StationName = g.station.Name
	}
	if g.phase == PhasePlaying {
		s.StartedAt = g.startedAt
	}
	if g.lastErr != nil {
		s.LastError = g.lastErr.Error()
	}
	return s
}

// Search answers a fuzzy station query against the current registry.
func (o *Orchestrator) Search(text string) []station.Match {
	return o.registry.ResolveQuery(text)
}

// Shutdown stops every guild stream and the event dispatcher.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.guilds))
	for id := range o.guilds {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.Stop(id)
	}
	close(o.quit)
}

// runAttempt performs one resolution-and-connect attempt. prev, when set,
// is the superseded session of a station switch and is torn down before
// anything else starts. prevDone is the superseded attempt's completion
// channel: this attempt waits for it first, so a guild never has two
// transport attempts running at once.
func (o *Orchestrator) runAttempt(g *guildState, gen uint64, prev PlaybackSession, prevDone <-chan struct{}, attemptCtx context.Context, done chan struct{}) {
	defer close(done)

	if prevDone != nil {
		<-prevDone
	}
	if prev != nil {
		if err := o.transport.StopPlayback(prev); err != nil {
			o.logger.Debug().Err(err).Str("guild", g.guildID).Msg("teardown of superseded session")
		}
	}

	g.mu.Lock()
	if g.attempt != gen {
		g.mu.Unlock()
		return
	}
	st := g.station
	target := g.target
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(attemptCtx, o.cfg.AttemptTimeout)
	defer cancel()

	playableURL, err := o.urls.GetOrResolve(ctx, st)
	if err != nil {
		o.attemptFailed(g, gen, err)
		return
	}

	g.mu.Lock()
	if g.attempt != gen {
		g.mu.Unlock()
		return
	}
	o.setPhaseLocked(g, PhaseConnecting)
	g.mu.Unlock()

	sess, err := o.transport.StartPlayback(ctx, target, playableURL)
	if err != nil {
		o.attemptFailed(g, gen, err)
		return
	}

	g.mu.Lock()
	if g.attempt != gen {
		// Superseded while connecting; drop the session we just opened.
		g.mu.Unlock()
		_ = o.transport.StopPlayback(sess)
		return
	}
	g.session = sess
	g.startedAt = o.now()
	g.failures = 0
	g.lastErr = nil
	o.setPhaseLocked(g, PhasePlaying)
	g.mu.Unlock()

	go o.watch(g, gen, sess)
}

// watch waits for the transport to report termination. A termination that
// was not requested by us drives the same retry path as a connect failure.
func (o *Orchestrator) watch(g *guildState, gen uint64, sess PlaybackSession) {
	<-sess.Done()
	err := sess.Err()
	if err == nil {
		err = ErrStreamEnded
	}
	o.attemptFailed(g, gen, err)
}

func (o *Orchestrator) attemptFailed(g *guildState, gen uint64, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempt != gen {
		return
	}

	g.session = nil
	g.failures++
	g.lastErr = cause

	if g.failures >= o.cfg.MaxFailures {
		g.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, g.failures, cause)
		o.metrics.StreamFailed()
		o.setPhaseLocked(g, PhaseFailed)
		o.logger.Error().Err(cause).Str("guild", g.guildID).Int("failures", g.failures).Msg("retries exhausted")
		return
	}

	delay := o.retryDelay(g.failures)
	g.nextRetryAt = o.now().Add(delay)
	o.setPhaseLocked(g, PhaseRetrying)
	o.metrics.Retry()
	o.logger.Warn().Err(cause).Str("guild", g.guildID).Int("failures", g.failures).Dur("retry_in", delay).Msg("stream attempt failed")
	g.retryTimer = time.AfterFunc(delay, func() { o.retryFire(g, gen) })
}

func (o *Orchestrator) retryFire(g *guildState, gen uint64) {
	g.mu.Lock()
	if g.attempt != gen || g.phase != PhaseRetrying {
		g.mu.Unlock()
		return
	}
	// Same generation: the retry continues the original play request, it
	// only chains a fresh attempt context and done channel.
	prevDone := g.attemptDone
	done := make(chan struct{})
	attemptCtx, cancel := context.WithCancel(context.Background())
	g.attemptDone = done
	g.attemptCancel = cancel
	o.setPhaseLocked(g, PhaseResolving)
	g.mu.Unlock()
	o.runAttempt(g, gen, nil, prevDone, attemptCtx, done)
}

// retryDelay doubles the base delay per consecutive failure up to the cap,
// then jitters the result to spread reconnections after a shared outage.
func (o *Orchestrator) retryDelay(failures int) time.Duration {
	d := backoffDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, failures)
	if o.cfg.RetryJitter > 0 {
		d += time.Duration((o.jitter()*2 - 1) * o.cfg.RetryJitter * float64(d))
	}
	return d
}

func backoffDelay(base, limit time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		d = limit
	}
	return d
}

// setPhaseLocked transitions the guild's phase, updates the active-stream
// gauge and queues lifecycle events. Caller holds g.mu.
func (o *Orchestrator) setPhaseLocked(g *guildState, next Phase) {
	prev := g.phase
	if prev == next {
		return
	}
	g.phase = next
	o.logger.Debug().Str("guild", g.guildID).Str("from", prev.String()).Str("to", next.String()).Msg("phase transition")

	if next == PhasePlaying {
		o.metrics.StreamStarted()
		o.emit(event{kind: eventStarted, guildID: g.guildID, station: g.station})
	}
	if prev == PhasePlaying {
		o.metrics.StreamStopped()
		o.emit(event{kind: eventStopped, guildID: g.guildID})
	}
	if next == PhaseFailed {
		o.emit(event{kind: eventFailed, guildID: g.guildID, err: g.lastErr})
	}
	if next == PhaseIdle {
		g.idleSince = o.now()
	}
}

func (o *Orchestrator) emit(e event) {
	select {
	case o.events <- e:
	case <-o.quit:
	default:
		o.logger.Warn().Str("guild", e.guildID).Msg("event listener backlogged, dropping event")
	}
}

func (o *Orchestrator) dispatch() {
	for {
		select {
		case <-o.quit:
			return
		case e := <-o.events:
			o.mu.Lock()
			l := o.listener
			o.mu.Unlock()
			switch e.kind {
			case eventStarted:
				l.PlaybackStarted(e.guildID, e.station)
			case eventStopped:
				l.PlaybackStopped(e.guildID)
			case eventFailed:
				l.PlaybackFailed(e.guildID, e.err)
			}
		}
	}
}

// lockGuild returns the guild's state record with its mutex held, creating
// the record on first use. It retries if the janitor removed the record
// between fetch and lock.
func (o *Orchestrator) lockGuild(guildID string) *guildState {
	for {
		o.mu.Lock()
		g, ok := o.guilds[guildID]
		if !ok {
			g = &guildState{guildID: guildID, phase: PhaseIdle, idleSince: o.now()}
			o.guilds[guildID] = g
		}
		o.mu.Unlock()

		g.mu.Lock()
		if !g.removed {
			return g
		}
		g.mu.Unlock()
	}
}

// reapIdle removes guild records that sat Idle past the threshold. Holding
// both locks here is what keeps the sweep from racing a concurrent play.
func (o *Orchestrator) reapIdle() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	removed := 0
	for id, g := range o.guilds {
		g.mu.Lock()
		if g.phase == PhaseIdle && now.Sub(g.idleSince) >= o.cfg.IdleThreshold {
			g.removed = true
			delete(o.guilds, id)
			removed++
		}
		g.mu.Unlock()
	}
	return removed
}

// stationInUse reports whether any non-idle guild currently references the
// station. Used by the janitor before evicting cache entries.
func (o *Orchestrator) stationInUse(stationName string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, g := range o.guilds {
		g.mu.Lock()
		used := g.station != nil && g.station.Name == stationName && g.phase != PhaseIdle
		g.mu.Unlock()
		if used {
			return true
		}
	}
	return false
}
