// Package presence mirrors the orchestrator's playback state into the
// bot's Discord presence.
package presence

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/bnfone/discord-bot-alastor/pkg/station"
)

// Manager implements orchestrator.Listener and keeps the bot presence in
// sync with what is playing across guilds.
type Manager struct {
	session *discordgo.Session
	logger  zerolog.Logger

	mu      sync.Mutex
	playing map[string]string // guildID -> station name
}

// NewManager creates a presence manager over an open session.
func NewManager(session *discordgo.Session, logger zerolog.Logger) *Manager {
	return &Manager{
		session: session,
		logger:  logger.With().Str("component", "presence").Logger(),
		playing: make(map[string]string),
	}
}

func (m *Manager) PlaybackStarted(guildID string, st *station.Definition) {
	m.mu.Lock()
	m.playing[guildID] = st.Name
	m.updateLocked()
	m.mu.Unlock()
}

func (m *Manager) PlaybackStopped(guildID string) {
	m.mu.Lock()
	delete(m.playing, guildID)
	m.updateLocked()
	m.mu.Unlock()
}

func (m *Manager) PlaybackFailed(guildID string, err error) {
	m.mu.Lock()
	delete(m.playing, guildID)
	m.updateLocked()
	m.mu.Unlock()
}

// UpdateDefault sets the at-rest presence. Called once after the session
// opens.
func (m *Manager) UpdateDefault() {
	m.mu.Lock()
	m.updateLocked()
	m.mu.Unlock()
}

func (m *Manager) updateLocked() {
	var name string
	switch len(m.playing) {
	case 0:
		name = "the airwaves"
	case 1:
		for _, stationName := range m.playing {
			name = stationName
		}
	default:
		name = fmt.Sprintf("radio in %d servers", len(m.playing))
	}

	err := m.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status: "online",
		Activities: []*discordgo.Activity{
			{
				Name: name,
				Type: discordgo.ActivityTypeListening,
			},
		},
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to update presence")
	}
}
