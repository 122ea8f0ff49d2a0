package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultProbeTimeout = 5 * time.Second

	// maxConcurrentProbes bounds outbound probe connections across all
	// stations.
	maxConcurrentProbes = 4
)

// Health is the last known state of a resolved stream URL.
type Health int

const (
	HealthUnknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Prober performs a lightweight connect-and-peek against a resolved stream
// URL. It never returns an error: every internal fault is reported as
// Unhealthy.
type Prober struct {
	client  *http.Client
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  zerolog.Logger
}

// NewProber creates a prober. A nil client gets a default; the probe
// timeout is always enforced via the request context.
func NewProber(client *http.Client, logger zerolog.Logger) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{
		client:  client,
		sem:     semaphore.NewWeighted(maxConcurrentProbes),
		timeout: defaultProbeTimeout,
		logger:  logger.With().Str("component", "prober").Logger(),
	}
}

// Check connects to playableURL and peeks at the response without
// downloading the stream.
func (p *Prober) Check(ctx context.Context, playableURL string) Health {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Unhealthy
	}
	defer p.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playableURL, nil)
	if err != nil {
		return Unhealthy
	}
	// Ask shoutcast-style servers for a plain stream without metadata
	// interleaving.
	req.Header.Set("Icy-MetaData", "0")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", playableURL).Msg("probe failed")
		return Unhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Debug().Str("status", resp.Status).Str("url", playableURL).Msg("probe got non-success status")
		return Unhealthy
	}
	if !acceptableContentType(resp.Header.Get("Content-Type")) {
		p.logger.Debug().Str("content_type", resp.Header.Get("Content-Type")).Str("url", playableURL).Msg("probe got unrecognized content type")
		return Unhealthy
	}

	// Confirm the stream actually delivers data.
	buf := make([]byte, 1)
	if _, err := resp.Body.Read(buf); err != nil {
		p.logger.Debug().Err(err).Str("url", playableURL).Msg("probe read no data")
		return Unhealthy
	}
	return Healthy
}

// acceptableContentType recognizes audio stream media types. Servers that
// omit the header entirely pass, since many ICY servers do.
func acceptableContentType(contentType string) bool {
	mt := mediaType(contentType)
	switch {
	case mt == "":
		return true
	case strings.HasPrefix(mt, "audio/"):
		return true
	case mt == "application/ogg", mt == "application/octet-stream":
		return true
	default:
		return false
	}
}
