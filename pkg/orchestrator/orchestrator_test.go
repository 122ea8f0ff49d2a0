package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnfone/discord-bot-alastor/pkg/station"
)

type fakeSession struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

type fakeTransport struct {
	mu        sync.Mutex
	startErrs []error // consumed one per StartPlayback
	sessions  []*fakeSession
	actions   []string
}

func (t *fakeTransport) StartPlayback(ctx context.Context, target VoiceTarget, url string) (PlaybackSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.startErrs) > 0 {
		err := t.startErrs[0]
		t.startErrs = t.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := newFakeSession()
	t.sessions = append(t.sessions, s)
	t.actions = append(t.actions, "start "+url)
	return s, nil
}

func (t *fakeTransport) StopPlayback(sess PlaybackSession) error {
	sess.(*fakeSession).terminate(nil)
	t.mu.Lock()
	t.actions = append(t.actions, "stop")
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

func (t *fakeTransport) log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.actions...)
}

type fakeURLs struct {
	mu    sync.Mutex
	url   string
	errs  []error // consumed one per call
	calls int
}

func (f *fakeURLs) GetOrResolve(ctx context.Context, st *station.Definition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.url, nil
}

type recordingListener struct {
	started chan string
	stopped chan string
	failed  chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		started: make(chan string, 16),
		stopped: make(chan string, 16),
		failed:  make(chan error, 16),
	}
}

func (l *recordingListener) PlaybackStarted(guildID string, st *station.Definition) {
	l.started <- st.Name
}
func (l *recordingListener) PlaybackStopped(guildID string) { l.stopped <- guildID }
func (l *recordingListener) PlaybackFailed(guildID string, err error) { l.failed <- err }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.RetryJitter = 0
	cfg.MaxFailures = 3
	cfg.AttemptTimeout = time.Second
	return cfg
}

func testRegistry() *station.Registry {
	r := station.NewRegistry()
	r.Swap([]station.Definition{
		{Name: "Alpha FM", Aliases: []string{"alpha"}, URL: "http://alpha.example/listen.m3u"},
		{Name: "Beta Radio", Aliases: []string{"beta"}, URL: "http://beta.example/live"},
	})
	return r
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeTransport, *fakeURLs) {
	t.Helper()
	tr := &fakeTransport{}
	urls := &fakeURLs{url: "http://stream.example/live"}
	o := New(cfg, testRegistry(), urls, tr, nil, zerolog.Nop())
	t.Cleanup(o.Shutdown)
	return o, tr, urls
}

func waitPhase(t *testing.T, o *Orchestrator, guildID string, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Status(guildID).Phase == want
	}, 2*time.Second, 5*time.Millisecond, "guild never reached %s", want)
}

func TestPlayStartsPlayback(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t, testConfig())

	st, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "Alpha FM", st.Name)

	waitPhase(t, o, "g1", PhasePlaying)
	s := o.Status("g1")
	assert.Equal(t, "Alpha FM", s.StationName)
	assert.False(t, s.StartedAt.IsZero())
	assert.Zero(t, s.Failures)
	assert.Equal(t, []string{"start http://stream.example/live"}, tr.log())
}

func TestPlayUnknownStation(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t, testConfig())

	_, err := o.Play(context.Background(), "g1", "zzzqqq", VoiceTarget{GuildID: "g1"})
	require.ErrorIs(t, err, station.ErrNotFound)
	assert.Equal(t, PhaseIdle, o.Status("g1").Phase)
	assert.Empty(t, tr.log())
}

func TestStopIsIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())

	o.Stop("never-played")

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)

	o.Stop("g1")
	assert.Equal(t, PhaseIdle, o.Status("g1").Phase)
	o.Stop("g1")
	assert.Equal(t, PhaseIdle, o.Status("g1").Phase)
}

func TestSwitchStationTearsDownPreviousFirst(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t, testConfig())

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)

	st, err := o.Play(context.Background(), "g1", "beta", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "Beta Radio", st.Name)
	waitPhase(t, o, "g1", PhasePlaying)

	assert.Equal(t, "Beta Radio", o.Status("g1").StationName)
	log := tr.log()
	require.Len(t, log, 3)
	assert.Equal(t, "stop", log[1], "old session must stop before the new one starts")
	select {
	case <-tr.session(0).Done():
	default:
		t.Fatal("first session still live after switch")
	}
}

// gatedTransport blocks its first StartPlayback until released and records
// how many StartPlayback calls ever ran concurrently.
type gatedTransport struct {
	fakeTransport
	release chan struct{}
	entered chan struct{}
	first   sync.Once

	overlapMu   sync.Mutex
	inFlight    int
	maxInFlight int
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		release: make(chan struct{}),
		entered: make(chan struct{}),
	}
}

func (t *gatedTransport) StartPlayback(ctx context.Context, target VoiceTarget, url string) (PlaybackSession, error) {
	t.overlapMu.Lock()
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	t.overlapMu.Unlock()
	defer func() {
		t.overlapMu.Lock()
		t.inFlight--
		t.overlapMu.Unlock()
	}()

	blocked := false
	t.first.Do(func() { blocked = true })
	if blocked {
		close(t.entered)
		<-t.release
	}
	return t.fakeTransport.StartPlayback(ctx, target, url)
}

func (t *gatedTransport) maxOverlap() int {
	t.overlapMu.Lock()
	defer t.overlapMu.Unlock()
	return t.maxInFlight
}

func TestSwitchWhileConnectingNeverOverlapsAttempts(t *testing.T) {
	tr := newGatedTransport()
	urls := &fakeURLs{url: "http://stream.example/live"}
	o := New(testConfig(), testRegistry(), urls, tr, nil, zerolog.Nop())
	t.Cleanup(o.Shutdown)

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	<-tr.entered // first attempt is inside StartPlayback

	_, err = o.Play(context.Background(), "g1", "beta", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)

	// Give the second attempt room to run ahead if it were going to.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.maxOverlap(), "second attempt must wait for the first to unwind")
	close(tr.release)

	waitPhase(t, o, "g1", PhasePlaying)
	assert.Equal(t, "Beta Radio", o.Status("g1").StationName)
	assert.Equal(t, 1, tr.maxOverlap())

	// The superseded attempt's session was torn down, not the live one.
	select {
	case <-tr.session(0).Done():
	default:
		t.Fatal("superseded session still live")
	}
	select {
	case <-tr.session(1).Done():
		t.Fatal("live session was torn down")
	default:
	}
}

func TestUnsolicitedTerminationSchedulesRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Hour // park the guild in Retrying
	o, tr, _ := newTestOrchestrator(t, cfg)

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)

	tr.session(0).terminate(errors.New("connection reset"))
	waitPhase(t, o, "g1", PhaseRetrying)

	s := o.Status("g1")
	assert.Equal(t, 1, s.Failures)
	assert.False(t, s.NextRetryAt.IsZero())
	assert.Contains(t, s.LastError, "connection reset")
	assert.Equal(t, "Alpha FM", s.StationName, "station sticks across retries")
}

func TestStreamEndWithoutErrorStillRetries(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Hour
	o, tr, _ := newTestOrchestrator(t, cfg)

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)

	tr.session(0).terminate(nil)
	waitPhase(t, o, "g1", PhaseRetrying)
	assert.Contains(t, o.Status("g1").LastError, ErrStreamEnded.Error())
}

func TestRetryRecoversAndResetsFailures(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t, testConfig())
	tr.startErrs = []error{errors.New("voice gateway unavailable")}

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)

	waitPhase(t, o, "g1", PhasePlaying)
	s := o.Status("g1")
	assert.Zero(t, s.Failures, "a successful start clears the failure streak")
	assert.Empty(t, s.LastError)
}

func TestRetriesExhaustIntoFailed(t *testing.T) {
	cfg := testConfig()
	o, _, urls := newTestOrchestrator(t, cfg)
	l := newRecordingListener()
	o.SetListener(l)

	urls.errs = []error{
		errors.New("unreachable"),
		errors.New("unreachable"),
		errors.New("unreachable"),
	}

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)

	waitPhase(t, o, "g1", PhaseFailed)
	s := o.Status("g1")
	assert.Equal(t, cfg.MaxFailures, s.Failures)
	assert.Contains(t, s.LastError, ErrRetryExhausted.Error())

	select {
	case failErr := <-l.failed:
		assert.ErrorIs(t, failErr, ErrRetryExhausted)
	case <-time.After(time.Second):
		t.Fatal("listener never saw the failure")
	}

	// A fresh play request clears the Failed state.
	_, err = o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)
	assert.Zero(t, o.Status("g1").Failures)
}

func TestStopDuringRetryCancelsIt(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Hour
	o, tr, _ := newTestOrchestrator(t, cfg)

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)

	tr.session(0).terminate(errors.New("connection reset"))
	waitPhase(t, o, "g1", PhaseRetrying)

	o.Stop("g1")
	s := o.Status("g1")
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Zero(t, s.Failures)
	assert.Empty(t, s.StationName)
}

func TestListenerReceivesLifecycle(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())
	l := newRecordingListener()
	o.SetListener(l)

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)

	select {
	case name := <-l.started:
		assert.Equal(t, "Alpha FM", name)
	case <-time.After(time.Second):
		t.Fatal("no started event")
	}

	o.Stop("g1")
	select {
	case guildID := <-l.stopped:
		assert.Equal(t, "g1", guildID)
	case <-time.After(time.Second):
		t.Fatal("no stopped event")
	}
}

func TestSetListenerWhileDispatching(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())
	l := newRecordingListener()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			o.SetListener(NopListener{})
			o.SetListener(l)
		}
	}()

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)
	<-done

	o.Stop("g1")
	select {
	case guildID := <-l.stopped:
		assert.Equal(t, "g1", guildID)
	case <-time.After(time.Second):
		t.Fatal("no stopped event after listener swap")
	}
}

func TestGuildsAreIndependent(t *testing.T) {
	o, _, urls := newTestOrchestrator(t, testConfig())
	urls.errs = []error{errors.New("unreachable"), errors.New("unreachable"), errors.New("unreachable")}

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhaseFailed)

	_, err = o.Play(context.Background(), "g2", "beta", VoiceTarget{GuildID: "g2", ChannelID: "c2"})
	require.NoError(t, err)
	waitPhase(t, o, "g2", PhasePlaying)
	assert.Equal(t, PhaseFailed, o.Status("g1").Phase)
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	limit := 30 * time.Second
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(base, limit, tc.failures), "failures=%d", tc.failures)
	}
}

func TestRetryDelayJitterStaysInBand(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, DefaultConfig())

	o.jitter = func() float64 { return 0 } // worst case low
	assert.Equal(t, 1500*time.Millisecond, o.retryDelay(1))

	o.jitter = func() float64 { return 0.5 } // midpoint, no shift
	assert.Equal(t, 2*time.Second, o.retryDelay(1))
}

func TestReapIdleRemovesOnlyStaleGuilds(t *testing.T) {
	cfg := testConfig()
	o, _, _ := newTestOrchestrator(t, cfg)

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	o.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	_, err := o.Play(context.Background(), "idle-guild", "alpha", VoiceTarget{GuildID: "idle-guild", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "idle-guild", PhasePlaying)
	o.Stop("idle-guild")

	_, err = o.Play(context.Background(), "live-guild", "beta", VoiceTarget{GuildID: "live-guild", ChannelID: "c2"})
	require.NoError(t, err)
	waitPhase(t, o, "live-guild", PhasePlaying)

	clockMu.Lock()
	clock = clock.Add(cfg.IdleThreshold + time.Second)
	clockMu.Unlock()

	assert.Equal(t, 1, o.reapIdle())
	assert.Equal(t, 0, o.reapIdle(), "sweep is idempotent")
	assert.Equal(t, PhasePlaying, o.Status("live-guild").Phase)
}

func TestStationInUse(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig())

	_, err := o.Play(context.Background(), "g1", "alpha", VoiceTarget{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	waitPhase(t, o, "g1", PhasePlaying)

	assert.True(t, o.stationInUse("Alpha FM"))
	assert.False(t, o.stationInUse("Beta Radio"))

	o.Stop("g1")
	assert.False(t, o.stationInUse("Alpha FM"))
}
