package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bnfone/discord-bot-alastor/pkg/station"
)

// ErrInvalidStationFile marks a malformed or inconsistent station file.
// Reloads that hit it are aborted, keeping the prior registry live.
var ErrInvalidStationFile = fmt.Errorf("invalid station configuration")

// BotConfig is the free-form bot section of the station file.
type BotConfig struct {
	Description string `yaml:"description"`
}

type stationFile struct {
	Bot    BotConfig              `yaml:"bot"`
	Radios map[string]yamlStation `yaml:"radios"`
}

type yamlStation struct {
	URL         string   `yaml:"url"`
	Aliases     []string `yaml:"aliases"`
	Bitrate     int      `yaml:"bitrate"`
	Format      string   `yaml:"format"`
	Description string   `yaml:"description"`
}

// LoadStations parses and validates the station file. The env var
// ALASTOR_BOT_DESCRIPTION overrides the file's bot description.
func LoadStations(path string) (BotConfig, []station.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BotConfig{}, nil, fmt.Errorf("reading station file: %w", err)
	}

	var file stationFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return BotConfig{}, nil, fmt.Errorf("%w: %v", ErrInvalidStationFile, err)
	}
	if len(file.Radios) == 0 {
		return BotConfig{}, nil, fmt.Errorf("%w: no radio stations configured", ErrInvalidStationFile)
	}

	defs := make([]station.Definition, 0, len(file.Radios))
	seen := make(map[string]string) // lowercased name/alias -> owning station
	for name, st := range file.Radios {
		if err := validateStation(name, st); err != nil {
			return BotConfig{}, nil, err
		}
		for _, token := range append([]string{name}, st.Aliases...) {
			key := strings.ToLower(strings.TrimSpace(token))
			if owner, dup := seen[key]; dup && owner != name {
				return BotConfig{}, nil, fmt.Errorf("%w: %q is used by both %q and %q", ErrInvalidStationFile, token, owner, name)
			}
			seen[key] = name
		}
		defs = append(defs, station.Definition{
			Name:        name,
			Aliases:     st.Aliases,
			URL:         st.URL,
			Bitrate:     st.Bitrate,
			Format:      st.Format,
			Description: st.Description,
		})
	}

	if v := os.Getenv("ALASTOR_BOT_DESCRIPTION"); v != "" {
		file.Bot.Description = v
	}
	return file.Bot, defs, nil
}

func validateStation(name string, st yamlStation) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: station with empty name", ErrInvalidStationFile)
	}
	if st.URL == "" {
		return fmt.Errorf("%w: station %q has no url", ErrInvalidStationFile, name)
	}
	u, err := url.Parse(st.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: station %q has unsupported url %q", ErrInvalidStationFile, name, st.URL)
	}
	return nil
}
