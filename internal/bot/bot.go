// Package bot is the Discord command surface: the /radio slash command
// with station autocomplete, a thin shell over the orchestrator.
package bot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/bnfone/discord-bot-alastor/internal/voice"
	"github.com/bnfone/discord-bot-alastor/pkg/orchestrator"
	"github.com/bnfone/discord-bot-alastor/pkg/station"
)

// Bot wires the slash-command layer to the radio core.
type Bot struct {
	session     *discordgo.Session
	orch        *orchestrator.Orchestrator
	registry    *station.Registry
	voice       *voice.Transport
	description string
	logger      zerolog.Logger
}

// New creates the command layer. Call Register after the session is open.
func New(session *discordgo.Session, orch *orchestrator.Orchestrator, registry *station.Registry, voiceTransport *voice.Transport, description string, logger zerolog.Logger) *Bot {
	return &Bot{
		session:     session,
		orch:        orch,
		registry:    registry,
		voice:       voiceTransport,
		description: description,
		logger:      logger.With().Str("component", "bot").Logger(),
	}
}

// Register installs the interaction handler and creates the /radio command.
func (b *Bot) Register() error {
	b.session.AddHandler(b.handleInteraction)

	command := &discordgo.ApplicationCommand{
		Name:        "radio",
		Description: "Control radio playback",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "play",
				Description: "Play a radio station",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionString,
						Name:         "station",
						Description:  "Station name",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop current radio playback",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "info",
				Description: "Show the current stream status",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List available stations",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "search",
						Description: "Filter stations",
					},
				},
			},
		},
	}

	_, err := b.session.ApplicationCommandCreate(b.session.State.User.ID, "", command)
	return err
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(s, i)
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.handleAutocomplete(s, i)
	}
}

func (b *Bot) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if data.Name != "radio" || len(data.Options) == 0 {
		return
	}
	if i.GuildID == "" {
		b.respondError(s, i, "This command only works in a server.")
		return
	}

	// Acknowledge immediately; the handlers edit the response.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to acknowledge interaction")
		return
	}

	sub := data.Options[0]
	switch sub.Name {
	case "play":
		b.handlePlay(s, i, sub)
	case "stop":
		b.handleStop(s, i)
	case "info":
		b.handleInfo(s, i)
	case "list":
		b.handleList(s, i, sub)
	}
}

func (b *Bot) handleAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	var text string
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 {
		for _, opt := range data.Options[0].Options {
			if opt.Focused {
				text = opt.StringValue()
			}
		}
	}

	choices := b.stationChoices(text)
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to send autocomplete choices")
	}
}

const maxChoices = 25

func (b *Bot) stationChoices(text string) []*discordgo.ApplicationCommandOptionChoice {
	var names []string
	if text == "" {
		for _, def := range b.registry.All() {
			names = append(names, def.Name)
		}
	} else {
		for _, m := range b.registry.ResolveQuery(text) {
			names = append(names, m.Station.Name)
		}
	}
	if len(names) > maxChoices {
		names = names[:maxChoices]
	}

	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}
	return choices
}
