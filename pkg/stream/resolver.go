package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultFetchTimeout = 10 * time.Second

	// maxIndirections bounds nested playlist dereferencing so a playlist
	// pointing at itself cannot loop forever.
	maxIndirections = 3

	// maxPlaylistBytes caps how much of a playlist document is read. A
	// document larger than this is a stream mislabeled as a playlist.
	maxPlaylistBytes = 64 << 10
)

// Resolver turns station source URLs into directly playable media URLs,
// dereferencing playlist documents when present.
type Resolver struct {
	client *http.Client
	logger zerolog.Logger
}

// NewResolver creates a resolver. A nil client gets a default with a
// bounded fetch timeout.
func NewResolver(client *http.Client, logger zerolog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Resolver{
		client: client,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve produces a playable URL for sourceURL. Direct media URLs are
// returned unchanged without touching the network; playlist URLs are
// fetched and dereferenced to their first usable entry.
func (r *Resolver) Resolve(ctx context.Context, sourceURL string) (string, error) {
	current := sourceURL
	for hop := 0; ; hop++ {
		if !isPlaylistURL(current) {
			if hop > 0 {
				r.logger.Debug().Str("source", sourceURL).Str("resolved", current).Int("hops", hop).Msg("playlist resolved")
			}
			return current, nil
		}
		if hop >= maxIndirections {
			return "", resolutionErr(sourceURL, Malformed, fmt.Errorf("more than %d playlist indirections", maxIndirections))
		}
		next, err := r.dereference(ctx, current)
		if err != nil {
			return "", err
		}
		if next == current {
			// The fetch proved the playlist-looking URL is itself the
			// stream.
			return current, nil
		}
		current = next
	}
}

// dereference fetches one playlist document and selects its first usable
// entry, resolved against the playlist URL when relative.
func (r *Resolver) dereference(ctx context.Context, playlistURL string) (string, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", resolutionErr(playlistURL, Malformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return "", resolutionErr(playlistURL, Malformed, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", resolutionErr(playlistURL, Unreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resolutionErr(playlistURL, Unreachable, fmt.Errorf("unexpected status %s", resp.Status))
	}

	// Some servers stream raw audio from a .m3u/.pls-looking path. Trust
	// the declared content type over the extension and skip parsing.
	contentType := resp.Header.Get("Content-Type")
	if !isPlaylistContentType(contentType) && isAudioContentType(contentType) {
		return playlistURL, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return "", resolutionErr(playlistURL, Unreachable, err)
	}

	entries, err := parsePlaylist(string(body))
	if err != nil {
		return "", resolutionErr(playlistURL, Malformed, err)
	}
	entries = absolutize(base, entries)

	entry, ok := firstUsable(entries)
	if !ok {
		return "", resolutionErr(playlistURL, Empty, nil)
	}
	return entry.URL, nil
}

// absolutize resolves relative playlist entries against the playlist's own
// URL.
func absolutize(base *url.URL, entries []Entry) []Entry {
	for i, e := range entries {
		ref, err := url.Parse(e.URL)
		if err != nil {
			continue
		}
		if !ref.IsAbs() {
			entries[i].URL = base.ResolveReference(ref).String()
		}
	}
	return entries
}
