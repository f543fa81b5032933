package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

// makePCM generates n 16-bit little-endian samples of a constant value.
func makePCM(n int, value int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(value))
	}
	return buf
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	c, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithSampleRate(16000),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil Client")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsServerText(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, " hello world", &calls)
	defer srv.Close()

	c, _ := whisper.New(srv.URL)
	res, err := c.Transcribe(context.Background(), makePCM(16000, 1000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != " hello world" {
		t.Errorf("Text = %q, want %q", res.Text, " hello world")
	}
	if res.RequestID == "" {
		t.Error("RequestID is empty")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestTranscribe_SendsMultipartWAVAndHints(t *testing.T) {
	var gotContentType string
	var gotFields map[string]string
	var gotWAVHeader []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotFields = map[string]string{}
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for key, vals := range r.MultipartForm.Value {
			gotFields[key] = vals[0]
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotWAVHeader, _ = io.ReadAll(io.LimitReader(f, 12))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	c, _ := whisper.New(srv.URL, whisper.WithLanguage("de"), whisper.WithModel("base.en"))
	if _, err := c.Transcribe(context.Background(), makePCM(160, 0)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	mediaType, _, err := mime.ParseMediaType(gotContentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Errorf("Content-Type = %q, want multipart/form-data", gotContentType)
	}
	if gotFields["language"] != "de" {
		t.Errorf("language field = %q, want %q", gotFields["language"], "de")
	}
	if gotFields["model"] != "base.en" {
		t.Errorf("model field = %q, want %q", gotFields["model"], "base.en")
	}
	if len(gotWAVHeader) < 12 || string(gotWAVHeader[0:4]) != "RIFF" || string(gotWAVHeader[8:12]) != "WAVE" {
		t.Errorf("uploaded file does not start with a RIFF/WAVE header: %q", gotWAVHeader)
	}
}

func TestTranscribe_ServerError_ReturnsEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := whisper.New(srv.URL)
	_, err := c.Transcribe(context.Background(), makePCM(160, 1000))

	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Transcribe error = %v, want *engine.Error", err)
	}
	if engErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", engErr.Status, http.StatusServiceUnavailable)
	}
	if !strings.Contains(engErr.Error(), "503") {
		t.Errorf("Error() = %q, want HTTP status mentioned", engErr.Error())
	}
}

func TestTranscribe_MalformedJSON_ReturnsEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c, _ := whisper.New(srv.URL)
	_, err := c.Transcribe(context.Background(), makePCM(160, 1000))

	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Transcribe error = %v, want *engine.Error", err)
	}
}

func TestTranscribe_ContextCancelled_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "never", nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := whisper.New(srv.URL)
	if _, err := c.Transcribe(ctx, makePCM(160, 1000)); err == nil {
		t.Fatal("Transcribe with cancelled context succeeded, want error")
	}
}
