package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/seglog"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	enginemock "github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/mock"
)

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return res
}

func passingChecker(name string) Checker {
	return Checker{
		Name:  name,
		Check: func(context.Context) error { return nil },
	}
}

func failingChecker(name, msg string) Checker {
	return Checker{
		Name:  name,
		Check: func(context.Context) error { return errors.New(msg) },
	}
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	// Liveness must not depend on checker state.
	h := New(failingChecker("segment_store", "journal closed"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	res := decodeResult(t, rec)
	if res.Status != "ok" {
		t.Errorf("Healthz status field = %q, want %q", res.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	want := "application/json; charset=utf-8"
	if got := rec.Header().Get("Content-Type"); got != want {
		t.Errorf("Content-Type = %q, want %q", got, want)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(passingChecker("segment_store"), passingChecker("engine"))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
	res := decodeResult(t, rec)
	if res.Status != "ok" {
		t.Errorf("status field = %q, want %q", res.Status, "ok")
	}
	for _, name := range []string{"segment_store", "engine"} {
		if res.Checks[name] != "ok" {
			t.Errorf("checks[%q] = %q, want %q", name, res.Checks[name], "ok")
		}
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		passingChecker("audio_dir"),
		failingChecker("segment_store", "connection refused"),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	res := decodeResult(t, rec)
	if res.Status != "fail" {
		t.Errorf("status field = %q, want %q", res.Status, "fail")
	}
	if res.Checks["audio_dir"] != "ok" {
		t.Errorf("checks[audio_dir] = %q, want %q", res.Checks["audio_dir"], "ok")
	}
	if res.Checks["segment_store"] != "fail: connection refused" {
		t.Errorf("checks[segment_store] = %q, want %q", res.Checks["segment_store"], "fail: connection refused")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
	res := decodeResult(t, rec)
	if res.Status != "ok" {
		t.Errorf("status field = %q, want %q", res.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		failingChecker("segment_store", "journal closed"),
		failingChecker("engine", "engine offline"),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	res := decodeResult(t, rec)
	if res.Checks["segment_store"] != "fail: journal closed" {
		t.Errorf("checks[segment_store] = %q", res.Checks["segment_store"])
	}
	if res.Checks["engine"] != "fail: engine offline" {
		t.Errorf("checks[engine] = %q", res.Checks["engine"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(passingChecker("segment_store"))
	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{
		Name: "segment_store",
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestStoreChecker(t *testing.T) {
	fs, err := seglog.NewFileStore(filepath.Join(t.TempDir(), "segments.log"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	c := StoreChecker(fs)
	if c.Name != "segment_store" {
		t.Errorf("Name = %q, want %q", c.Name, "segment_store")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check on open store = %v, want nil", err)
	}

	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("Check on closed store = nil, want error")
	}
}

func TestAudioDirChecker(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chunk.wav")
	if err := os.WriteFile(file, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tests := []struct {
		name    string
		dir     string
		wantErr bool
	}{
		{"existing dir", dir, false},
		{"missing dir", filepath.Join(dir, "missing"), true},
		{"plain file", file, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := AudioDirChecker(tt.dir)
			if c.Name != "audio_dir" {
				t.Errorf("Name = %q, want %q", c.Name, "audio_dir")
			}
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// pingEngine wraps the mock transcriber with a controllable probe.
type pingEngine struct {
	enginemock.Transcriber
	pingErr error
}

func (p *pingEngine) Ping(context.Context) error { return p.pingErr }

func TestEngineChecker(t *testing.T) {
	t.Run("engine without probe is always ready", func(t *testing.T) {
		var eng engine.Transcriber = &enginemock.Transcriber{}
		c := EngineChecker(eng)
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("Check = %v, want nil", err)
		}
	})

	t.Run("probe failure propagates", func(t *testing.T) {
		eng := &pingEngine{pingErr: errors.New("engine offline")}
		c := EngineChecker(eng)
		err := c.Check(context.Background())
		if err == nil || err.Error() != "engine offline" {
			t.Errorf("Check = %v, want %q", err, "engine offline")
		}
	})

	t.Run("probe success", func(t *testing.T) {
		eng := &pingEngine{}
		c := EngineChecker(eng)
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("Check = %v, want nil", err)
		}
	})
}
