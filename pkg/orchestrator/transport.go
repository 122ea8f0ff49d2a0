package orchestrator

import "context"

// VoiceTarget identifies the voice channel a stream plays into.
type VoiceTarget struct {
	GuildID   string
	ChannelID string
}

// PlaybackSession is a handle to one running playback. Done is closed when
// the session terminates for any reason; Err reports the termination cause
// afterwards, nil for a requested stop.
type PlaybackSession interface {
	Done() <-chan struct{}
	Err() error
}

// Transport starts and stops audio playback in voice channels. Implemented
// externally; the orchestrator only depends on this interface.
type Transport interface {
	// StartPlayback connects to the target and begins streaming
	// playableURL. It returns once playback is established.
	StartPlayback(ctx context.Context, target VoiceTarget, playableURL string) (PlaybackSession, error)

	// StopPlayback tears the session down. It is idempotent and tolerates
	// sessions that already terminated on their own.
	StopPlayback(session PlaybackSession) error
}
