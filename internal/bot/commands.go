package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/bnfone/discord-bot-alastor/internal/voice"
	"github.com/bnfone/discord-bot-alastor/pkg/orchestrator"
	"github.com/bnfone/discord-bot-alastor/pkg/station"
)

const (
	colorSuccess = 0x00ff00
	colorError   = 0xff0000
	colorNeutral = 0x808080
)

func (b *Bot) handlePlay(s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	var query string
	if len(sub.Options) > 0 {
		query = sub.Options[0].StringValue()
	}
	if strings.TrimSpace(query) == "" {
		b.editError(s, i, "Please provide a station name.")
		return
	}

	user := i.Member.User
	channelID, err := b.voice.FindUserVoiceChannel(i.GuildID, user.ID)
	if err != nil {
		if errors.Is(err, voice.ErrNotInVoice) {
			b.editError(s, i, "You must be in a voice channel to play the radio.")
			return
		}
		b.logger.Warn().Err(err).Str("guild", i.GuildID).Msg("voice state lookup failed")
		b.editError(s, i, "Could not determine your voice channel.")
		return
	}

	target := orchestrator.VoiceTarget{GuildID: i.GuildID, ChannelID: channelID}
	st, err := b.orch.Play(context.Background(), i.GuildID, query, target)
	if err != nil {
		if errors.Is(err, station.ErrNotFound) {
			b.editError(s, i, fmt.Sprintf("No station matches **%s**. Try `/radio list`.", query))
			return
		}
		b.logger.Error().Err(err).Str("guild", i.GuildID).Msg("play request failed")
		b.editError(s, i, "Could not start playback.")
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       "📻 Tuning In",
		Description: fmt.Sprintf("Now tuning into **%s**.", st.Name),
		Color:       colorSuccess,
	}
	if st.Description != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "About", Value: st.Description,
		})
	}
	if st.Bitrate > 0 || st.Format != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Quality", Value: qualityLine(st), Inline: true,
		})
	}
	b.editEmbed(s, i, embed)
}

func (b *Bot) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.orch.Stop(i.GuildID)
	b.editEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "⏹️ Stopped",
		Description: "Radio playback stopped.",
		Color:       colorNeutral,
	})
}

func (b *Bot) handleInfo(s *discordgo.Session, i *discordgo.InteractionCreate) {
	status := b.orch.Status(i.GuildID)

	embed := &discordgo.MessageEmbed{
		Title: "📻 Radio Status",
		Color: colorNeutral,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "State", Value: status.Phase.String(), Inline: true},
		},
	}
	if status.StationName != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Station", Value: status.StationName, Inline: true,
		})
	}
	if !status.StartedAt.IsZero() {
		embed.Color = colorSuccess
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Playing since", Value: fmt.Sprintf("<t:%d:R>", status.StartedAt.Unix()), Inline: true,
		})
	}
	if status.Failures > 0 {
		embed.Color = colorError
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Consecutive failures", Value: fmt.Sprintf("%d", status.Failures), Inline: true,
		})
	}
	if status.LastError != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Last error", Value: status.LastError,
		})
	}
	b.editEmbed(s, i, embed)
}

func (b *Bot) handleList(s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	var query string
	if len(sub.Options) > 0 {
		query = sub.Options[0].StringValue()
	}

	var defs []*station.Definition
	if strings.TrimSpace(query) == "" {
		defs = b.registry.All()
	} else {
		for _, m := range b.orch.Search(query) {
			defs = append(defs, m.Station)
		}
	}
	if len(defs) == 0 {
		b.editError(s, i, "No stations found.")
		return
	}
	if len(defs) > maxChoices {
		defs = defs[:maxChoices]
	}

	var sb strings.Builder
	for _, def := range defs {
		sb.WriteString("• **")
		sb.WriteString(def.Name)
		sb.WriteString("**")
		if len(def.Aliases) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(def.Aliases, ", "))
		}
		if def.Description != "" {
			sb.WriteString(" - ")
			sb.WriteString(def.Description)
		}
		sb.WriteString("\n")
	}

	embed := &discordgo.MessageEmbed{
		Title:       "📻 Available Stations",
		Description: sb.String(),
		Color:       colorNeutral,
	}
	if b.description != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: b.description}
	}
	b.editEmbed(s, i, embed)
}

func qualityLine(st *station.Definition) string {
	switch {
	case st.Bitrate > 0 && st.Format != "":
		return fmt.Sprintf("%d kbps %s", st.Bitrate, strings.ToUpper(st.Format))
	case st.Bitrate > 0:
		return fmt.Sprintf("%d kbps", st.Bitrate)
	default:
		return strings.ToUpper(st.Format)
	}
}

func (b *Bot) editEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Embeds: &[]*discordgo.MessageEmbed{embed},
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to edit interaction response")
	}
}

func (b *Bot) editError(s *discordgo.Session, i *discordgo.InteractionCreate, message string) {
	b.editEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "❌ Error",
		Description: message,
		Color:       colorError,
	})
}

// respondError is for interactions that were not deferred yet.
func (b *Bot) respondError(s *discordgo.Session, i *discordgo.InteractionCreate, message string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{{
				Title:       "❌ Error",
				Description: message,
				Color:       colorError,
			}},
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to respond to interaction")
	}
}
