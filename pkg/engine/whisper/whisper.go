// Package whisper provides engine.Transcriber implementations backed by
// whisper.cpp, either over HTTP against a running whisper-server binary
// (which exposes a REST API at POST /inference) or in-process through the
// whisper.cpp CGO bindings.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	res, err := t.Transcribe(ctx, pcmChunk)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultTimeout    = 60 * time.Second
)

// Compile-time assertion that Client implements engine.Transcriber.
var _ engine.Transcriber = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithSampleRate sets the sample rate the submitted PCM audio was captured
// at. It is written into the WAV header of every request. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithHTTPClient replaces the default HTTP client (60 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements engine.Transcriber against a whisper.cpp HTTP server.
// Safe for concurrent use; each Transcribe call is an independent request.
type Client struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a Client that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  serverURL,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe implements engine.Transcriber. The PCM audio is wrapped in a
// WAV container and POSTed to the /inference endpoint as multipart/form-data.
func (c *Client) Transcribe(ctx context.Context, pcmAudio []byte) (engine.Result, error) {
	requestID := uuid.New().String()
	wav := pcm.EncodeWAV(pcmAudio, c.sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: create form file", Err: err}
	}
	if _, err := fw.Write(wav); err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: write wav data", Err: err}
	}
	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return engine.Result{}, &engine.Error{Op: "whisper: write language field", Err: err}
		}
	}
	if c.model != "" {
		if err := mw.WriteField("model", c.model); err != nil {
			return engine.Result{}, &engine.Error{Op: "whisper: write model field", Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: close multipart writer", Err: err}
	}

	endpoint := c.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: create request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: http request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engine.Result{}, &engine.Error{Op: "whisper: inference", Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: read response body", Err: err}
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: parse JSON response", Err: fmt.Errorf("%w: %q", err, truncate(data, 120))}
	}

	return engine.Result{Text: parsed.Text, RequestID: requestID}, nil
}

// Ping probes the whisper.cpp server for reachability. Any HTTP response
// below 500 counts as alive; the server answers GET / with its index page.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/", nil)
	if err != nil {
		return &engine.Error{Op: "whisper: create ping request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &engine.Error{Op: "whisper: ping", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return &engine.Error{Op: "whisper: ping", Status: resp.StatusCode}
	}
	return nil
}

// truncate shortens diagnostic payload excerpts for error messages.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
