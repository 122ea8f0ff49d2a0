package voice

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"layeh.com/gopus"
)

const (
	sampleRate  = 48000
	channels    = 2
	frameSize   = 960                        // samples per channel, 20ms at 48kHz
	frameBytes  = frameSize * channels * 2   // s16le
	opusBitrate = 128000

	pcmReadTimeout = 5 * time.Second
	sendTimeout    = 100 * time.Millisecond
	stopTimeout    = 2 * time.Second
)

// pipeline decodes one stream URL with ffmpeg and pushes Opus frames into
// a Discord voice connection. It terminates on the first unrecoverable
// read error; reconnection is the orchestrator's job, not the pipeline's.
type pipeline struct {
	vc     *discordgo.VoiceConnection
	url    string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newPipeline(vc *discordgo.VoiceConnection, url string, logger zerolog.Logger) *pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipeline{
		vc:     vc,
		url:    url,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Done is closed when the pipeline terminates for any reason.
func (p *pipeline) Done() <-chan struct{} { return p.done }

// Err reports the termination cause; nil for a requested stop.
func (p *pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipeline) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// start launches ffmpeg and the frame loop. It returns once the process is
// running; decode errors after that surface through Done/Err.
func (p *pipeline) start() error {
	encoder, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}
	encoder.SetBitrate(opusBitrate)

	cmd := exec.CommandContext(p.ctx, "ffmpeg",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", p.url,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-bufsize", "64k",
		"-")

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	go drain(stderr)

	go p.run(cmd, encoder, stdout)
	return nil
}

// stop cancels the pipeline and waits briefly for the frame loop to exit.
func (p *pipeline) stop() {
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		p.logger.Warn().Str("url", p.url).Msg("pipeline did not stop in time")
	}
}

func (p *pipeline) run(cmd *exec.Cmd, encoder *gopus.Encoder, stdout io.Reader) {
	defer close(p.done)
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		_ = p.vc.Speaking(false)
	}()

	if err := p.vc.Speaking(true); err != nil {
		p.setErr(fmt.Errorf("failed to set speaking state: %w", err))
		return
	}
	p.setErr(p.stream(encoder, stdout))
}

// stream is the frame loop: read 20ms of PCM, encode, send.
func (p *pipeline) stream(encoder *gopus.Encoder, reader io.Reader) error {
	buffer := make([]byte, frameBytes)

	for {
		select {
		case <-p.ctx.Done():
			return nil
		default:
		}

		n, err := p.readFrame(reader, buffer)
		if err != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return fmt.Errorf("stream ended: %w", err)
			}
			return fmt.Errorf("error reading PCM data: %w", err)
		}

		samples := bytesToInt16(buffer[:n])
		if len(samples) < frameSize*channels {
			padded := make([]int16, frameSize*channels)
			copy(padded, samples)
			samples = padded
		}

		opusData, err := encoder.Encode(samples, frameSize, frameBytes)
		if err != nil {
			p.logger.Warn().Err(err).Msg("opus encoding error")
			continue
		}

		select {
		case p.vc.OpusSend <- opusData:
		case <-time.After(sendTimeout):
			p.logger.Warn().Msg("opus send channel blocked, skipping frame")
		case <-p.ctx.Done():
			return nil
		}
	}
}

// readFrame reads one PCM frame with a timeout so a stalled stream cannot
// wedge the loop forever.
func (p *pipeline) readFrame(reader io.Reader, buffer []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := io.ReadFull(reader, buffer)
		ch <- result{n, err}
	}()

	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(pcmReadTimeout):
		return 0, fmt.Errorf("timeout reading PCM data")
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	}
}

func drain(r io.ReadCloser) {
	defer r.Close()
	buffer := make([]byte, 1024)
	for {
		if _, err := r.Read(buffer); err != nil {
			return
		}
	}
}

func bytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}
