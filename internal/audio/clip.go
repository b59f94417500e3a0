package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
	"github.com/rs/zerolog"
)

// ClipPlayer fetches a clip over HTTP, decodes it and plays it on an Output
type ClipPlayer struct {
	config     Config
	httpClient *http.Client
	output     Output
	logger     zerolog.Logger
}

// NewClipPlayer creates a clip player. A nil client uses a client with
// config.Timeout.
func NewClipPlayer(config Config, client *http.Client, output Output, logger zerolog.Logger) *ClipPlayer {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &ClipPlayer{
		config:     config,
		httpClient: client,
		output:     output,
		logger:     logger.With().Str("component", "audio").Logger(),
	}
}

// Play blocks until the clip at rawURL has finished. Fetch and decode
// failures wrap ErrLoad.
func (p *ClipPlayer) Play(ctx context.Context, rawURL string) error {
	if p.output == nil {
		return ErrOutputNotReady
	}

	data, contentType, err := p.fetch(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	streamer, format, err := Decode(data, DetectFormat(rawURL, contentType, data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer streamer.Close()

	var s beep.Streamer = streamer
	if p.config.Volume != 0 {
		s = &effects.Volume{Streamer: streamer, Base: 2, Volume: p.config.Volume}
	}

	p.logger.Debug().
		Str("url", rawURL).
		Int("sampleRate", int(format.SampleRate)).
		Dur("duration", format.SampleRate.D(streamer.Len())).
		Msg("Playing clip")

	if err := p.output.Play(ctx, s, format); err != nil {
		return fmt.Errorf("playback failed: %w", err)
	}
	return nil
}

func (p *ClipPlayer) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch clip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch clip: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read clip: %w", err)
	}
	if int64(len(data)) > p.config.MaxBytes {
		return nil, "", ErrClipTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// DetectFormat picks the decoder from the content type, the URL extension
// and finally the leading bytes
func DetectFormat(rawURL, contentType string, data []byte) AudioFormat {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
			return FormatWAV
		case "audio/mpeg", "audio/mp3":
			return FormatMP3
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".wav", ".wave":
			return FormatWAV
		case ".mp3":
			return FormatMP3
		}
	}

	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return FormatUnknown
}

// Decode returns a seekable streamer for data in the given format
func Decode(data []byte, format AudioFormat) (beep.StreamSeekCloser, beep.Format, error) {
	r := io.NopCloser(bytes.NewReader(data))
	switch format {
	case FormatWAV:
		return wav.Decode(r)
	case FormatMP3:
		return mp3.Decode(r)
	default:
		return nil, beep.Format{}, ErrInvalidFormat
	}
}
