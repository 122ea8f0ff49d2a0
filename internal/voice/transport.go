// Package voice implements the orchestrator's transport interface on top
// of Discord voice connections, streaming radio audio through an
// ffmpeg-to-Opus pipeline.
package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/bnfone/discord-bot-alastor/pkg/orchestrator"
)

// ErrNotInVoice is returned when the invoking user occupies no voice
// channel in the guild.
var ErrNotInVoice = errors.New("user is not in a voice channel")

const (
	joinRetries         = 3
	voiceReadyTimeout   = 10 * time.Second
	voiceReadyPollEvery = 100 * time.Millisecond
)

// Transport starts and stops playback over discordgo voice connections.
type Transport struct {
	session *discordgo.Session
	logger  zerolog.Logger
}

// NewTransport wraps an open Discord session.
func NewTransport(session *discordgo.Session, logger zerolog.Logger) *Transport {
	return &Transport{
		session: session,
		logger:  logger.With().Str("component", "voice").Logger(),
	}
}

// StartPlayback joins the target voice channel and starts streaming
// playableURL into it. It returns once audio frames are flowing.
func (t *Transport) StartPlayback(ctx context.Context, target orchestrator.VoiceTarget, playableURL string) (orchestrator.PlaybackSession, error) {
	vc, err := t.join(ctx, target)
	if err != nil {
		return nil, err
	}

	p := newPipeline(vc, playableURL, t.logger)
	if err := p.start(); err != nil {
		_ = vc.Disconnect()
		return nil, err
	}
	t.logger.Info().Str("guild", target.GuildID).Str("channel", target.ChannelID).Msg("playback started")
	return p, nil
}

// StopPlayback tears the pipeline down and leaves the voice channel. Safe
// to call on sessions that already terminated.
func (t *Transport) StopPlayback(session orchestrator.PlaybackSession) error {
	p, ok := session.(*pipeline)
	if !ok || p == nil {
		return nil
	}
	p.stop()
	return p.vc.Disconnect()
}

// FindUserVoiceChannel reports which voice channel the user currently
// occupies in the guild.
func (t *Transport) FindUserVoiceChannel(guildID, userID string) (string, error) {
	guild, err := t.session.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("could not find guild: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", ErrNotInVoice
}

// join connects to the voice channel with bounded retries, then waits for
// the connection to report ready.
func (t *Transport) join(ctx context.Context, target orchestrator.VoiceTarget) (*discordgo.VoiceConnection, error) {
	var vc *discordgo.VoiceConnection
	var err error
	for i := 0; i < joinRetries; i++ {
		vc, err = t.session.ChannelVoiceJoin(target.GuildID, target.ChannelID, false, true)
		if err == nil {
			break
		}
		t.logger.Warn().Err(err).Int("attempt", i+1).Str("guild", target.GuildID).Msg("voice join failed")
		if i < joinRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel after %d attempts: %w", joinRetries, err)
	}

	deadline := time.After(voiceReadyTimeout)
	ticker := time.NewTicker(voiceReadyPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = vc.Disconnect()
			return nil, ctx.Err()
		case <-deadline:
			_ = vc.Disconnect()
			return nil, fmt.Errorf("voice connection timed out")
		case <-ticker.C:
			if vc.Ready {
				return vc, nil
			}
		}
	}
}
