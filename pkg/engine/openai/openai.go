// Package openai provides an engine.Transcriber backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

const defaultSampleRate = 16000

// Ensure Client implements the engine.Transcriber interface.
var _ engine.Transcriber = (*Client)(nil)

// Client implements engine.Transcriber using the OpenAI API.
type Client struct {
	client     oai.Client
	model      oai.AudioModel
	language   string
	sampleRate int
}

// config holds optional configuration for the client.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	language     string
	sampleRate   int
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible local servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLanguage sets the ISO-639-1 input language hint (e.g., "en").
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithSampleRate sets the sample rate the submitted PCM audio was captured
// at. It is written into the WAV header of every request. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) {
		c.sampleRate = rate
	}
}

// New constructs a new OpenAI transcription Client.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai engine: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{sampleRate: defaultSampleRate}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Client{
		client:     oai.NewClient(reqOpts...),
		model:      oai.AudioModel(model),
		language:   cfg.language,
		sampleRate: cfg.sampleRate,
	}, nil
}

// Transcribe implements engine.Transcriber. The PCM audio is wrapped in a
// WAV container and uploaded as a single file.
func (c *Client) Transcribe(ctx context.Context, pcmAudio []byte) (engine.Result, error) {
	requestID := uuid.New().String()
	wav := pcm.EncodeWAV(pcmAudio, c.sampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: c.model,
	}
	if c.language != "" {
		params.Language = param.NewOpt(c.language)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apierr *oai.Error
		if errors.As(err, &apierr) {
			return engine.Result{}, &engine.Error{Op: "openai: transcribe", Status: apierr.StatusCode, Err: err}
		}
		return engine.Result{}, &engine.Error{Op: "openai: transcribe", Err: err}
	}

	return engine.Result{Text: resp.Text, RequestID: requestID}, nil
}
