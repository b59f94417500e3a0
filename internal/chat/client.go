// Package chat talks to the companion backend's /chat endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ProactiveMessage asks the backend to open the conversation itself
const ProactiveMessage = "[USER_IS_QUIET_YUKI_PLEASE_SPEAK]"

// maxErrorBody bounds how much of a failed response is kept
const maxErrorBody = 512

// Config configures the backend client
type Config struct {
	BaseURL string        `mapstructure:"base_url"` // e.g. "http://localhost:5000"
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5000",
		Path:    "/chat",
		Timeout: 60 * time.Second,
	}
}

// Request is the /chat request body
type Request struct {
	Message string `json:"message"`
}

// Reply is the /chat response body. Every field except Response may be empty.
type Reply struct {
	Response string `json:"response"`
	Emotion  string `json:"emotion,omitempty"`
	Motion   string `json:"motion,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	RVCError string `json:"rvc_error_message,omitempty"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: %d", e.Code)
}

// Client posts chat messages to the backend
type Client struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for cfg.BaseURL
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: scheme and host required", cfg.BaseURL)
	}

	return &Client{
		config: cfg,
		base:   base,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
					return operationName + " " + request.URL.Path
				}),
			),
		},
		logger: logger.With().Str("component", "chat-client").Logger(),
	}, nil
}

// Send posts message and decodes the reply. A relative AudioURL is resolved
// against the backend base URL.
func (c *Client) Send(ctx context.Context, message string) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "chat.send")
	defer span.End()
	span.SetAttributes(
		attribute.Int("request.message_length", len(message)),
		attribute.Bool("request.proactive", message == ProactiveMessage),
	)

	body, err := json.Marshal(Request{Message: message})
	if err != nil {
		err = fmt.Errorf("failed to encode request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: c.config.Path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("failed to create request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to send message: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		err = fmt.Errorf("failed to decode reply: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	reply.AudioURL = c.ResolveURL(reply.AudioURL)

	if reply.RVCError != "" {
		c.logger.Warn().Str("rvc_error", reply.RVCError).Msg("Backend voice conversion failed")
	}
	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Str("emotion", reply.Emotion).
		Str("motion", reply.Motion).
		Bool("has_audio", reply.AudioURL != "").
		Msg("Reply received")

	span.SetAttributes(
		attribute.String("response.emotion", reply.Emotion),
		attribute.String("response.motion", reply.Motion),
		attribute.Bool("response.has_audio", reply.AudioURL != ""),
	)
	return &reply, nil
}

// ResolveURL resolves ref against the backend base URL. Absolute and empty
// references are returned unchanged.
func (c *Client) ResolveURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return c.base.ResolveReference(u).String()
}
