package session_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/audiostore"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/dispatch"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/interim"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/resilience"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/seglog"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/session"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	enginemock "github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/mock"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

const testSampleRate = 16000

type fixture struct {
	store  *seglog.FileStore
	audio  *audiostore.FileStore
	bus    *events.Bus
	engine *enginemock.Transcriber
	deps   session.Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := seglog.NewFileStore(filepath.Join(dir, "segments.jsonl"))
	if err != nil {
		t.Fatalf("seglog.NewFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	audio, err := audiostore.NewFileStore(filepath.Join(dir, "audio"))
	if err != nil {
		t.Fatalf("audiostore.NewFileStore: %v", err)
	}
	t.Cleanup(func() { audio.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	eng := &enginemock.Transcriber{Result: engine.Result{Text: "hello world"}}
	return &fixture{
		store:  store,
		audio:  audio,
		bus:    bus,
		engine: eng,
		deps:   session.Deps{Store: store, Audio: audio, Engine: eng, Bus: bus},
	}
}

func baseConfig() session.Config {
	return session.Config{
		SampleRate:     testSampleRate,
		Dispatch:       dispatch.Config{Retry: resilience.RetryConfig{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}},
		DisableInterim: true,
	}
}

func newSession(t *testing.T, f *fixture, cfg session.Config) *session.Session {
	t.Helper()
	sess, err := session.New("test-session", cfg, f.deps)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return sess
}

// audioBytes builds ms of constant-amplitude PCM16. A value of 500 sits well
// above the default energy threshold; 0 is dead silence.
func audioBytes(ms int, value int16) []byte {
	samples := make([]int16, testSampleRate*ms/1000)
	for i := range samples {
		samples[i] = value
	}
	return pcm.SamplesToBytes(samples)
}

func waitStatus(t *testing.T, ch chan events.SegmentStatus, want seglog.Status) events.SegmentStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Status == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestSession_SpeechThenSilenceProducesTranscript(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t, f, baseConfig())
	ctx := context.Background()

	statusCh := f.bus.SubscribeSegmentStatus()
	finalizedCh := f.bus.SubscribeChunkFinalized()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two seconds of speech, then enough silence to cross the chunk gate.
	if err := sess.ProcessSamples(audioBytes(2000, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := sess.ProcessSamples(audioBytes(1200, 0)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}

	select {
	case ev := <-finalizedCh:
		// Trailing silence is boundary, not content: the chunk is the speech.
		if ev.TotalDuration != 2*time.Second {
			t.Fatalf("expected a 2s chunk, got %v", ev.TotalDuration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk finalization event")
	}

	if ev := waitStatus(t, statusCh, seglog.StatusCompleted); ev.Text != "hello world" {
		t.Fatalf("expected engine text on completion, got %q", ev.Text)
	}

	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := sess.Stats(); st.Dispatch.Completed != 1 {
		t.Fatalf("expected one completed segment, stats %+v", st.Dispatch)
	}
}

func TestSession_StopFlushesBufferedSpeech(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t, f, baseConfig())
	ctx := context.Background()

	statusCh := f.bus.SubscribeSegmentStatus()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Speech with no trailing silence: nothing finalises until Stop.
	if err := sess.ProcessSamples(audioBytes(2000, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if got := sess.Stats().Dispatch.Submitted; got != 0 {
		t.Fatalf("expected no chunks before stop, got %d", got)
	}

	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	waitStatus(t, statusCh, seglog.StatusCompleted)
	if st := sess.Stats(); st.Dispatch.Completed != 1 {
		t.Fatalf("expected the flushed chunk to complete, stats %+v", st.Dispatch)
	}
}

func TestSession_StopBelowSpeechGateEmitsNothing(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t, f, baseConfig())
	ctx := context.Background()

	statusCh := f.bus.SubscribeSegmentStatus()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// 800ms of speech is under the 1s speech gate: flush must discard it.
	if err := sess.ProcessSamples(audioBytes(800, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case ev := <-statusCh:
		t.Fatalf("expected no segment from a sub-gate flush, got %+v", ev)
	default:
	}
	if got := f.engine.CallCount(); got != 0 {
		t.Fatalf("expected no engine calls, got %d", got)
	}
}

func TestSession_ShortUtteranceNeverChunks(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t, f, baseConfig())
	ctx := context.Background()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// An 800ms burst followed by silence: the silence gate arms, but the
	// speech gate keeps the buffer from ever finalising.
	if err := sess.ProcessSamples(audioBytes(800, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := sess.ProcessSamples(audioBytes(1200, 0)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if got := sess.Stats().Dispatch.Submitted; got != 0 {
		t.Fatalf("expected no chunk for a sub-gate utterance, got %d", got)
	}
	sess.Stop(ctx)
}

func TestSession_ProcessSamplesValidation(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t, f, baseConfig())
	ctx := context.Background()

	if err := sess.ProcessSamples(audioBytes(100, 0)); err == nil {
		t.Fatal("expected error before Start")
	}
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.ProcessSamples([]byte{0x01}); err == nil {
		t.Fatal("expected error for an odd byte count")
	}
	if err := sess.ProcessSamples(nil); err != nil {
		t.Fatalf("empty input must be a no-op, got %v", err)
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sess.ProcessSamples(audioBytes(100, 0)); err == nil {
		t.Fatal("expected error after Stop")
	}
}

func TestSession_RecoverPendingSegments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A previous run left a pending segment behind: audio persisted, record
	// enqueued, never processed.
	pcmBytes := audioBytes(1000, 400)
	path, offset, err := f.audio.Append("previous-session", pcmBytes)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq := f.store.NextSequence()
	if err := f.store.Enqueue(ctx, seglog.Segment{
		SequenceIndex: seq,
		AudioPath:     path,
		ByteOffset:    offset,
		SampleCount:   len(pcmBytes) / pcm.BytesPerSample,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sess := newSession(t, f, baseConfig())
	statusCh := f.bus.SubscribeSegmentStatus()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n, err := sess.RecoverPendingSegments(ctx)
	if err != nil {
		t.Fatalf("RecoverPendingSegments: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered segment, got %d", n)
	}
	waitStatus(t, statusCh, seglog.StatusCompleted)

	// Idempotent: a second pass finds nothing.
	if n, err := sess.RecoverPendingSegments(ctx); err != nil || n != 0 {
		t.Fatalf("expected idempotent second recovery, got n=%d err=%v", n, err)
	}

	// Recovery is a pre-capture step only.
	if err := sess.ProcessSamples(audioBytes(100, 0)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if _, err := sess.RecoverPendingSegments(ctx); err == nil || !strings.Contains(err.Error(), "before live capture") {
		t.Fatalf("expected live-capture guard, got %v", err)
	}

	sess.Stop(ctx)
}

func TestSession_InterimPublishesWhileSpeaking(t *testing.T) {
	f := newFixture(t)
	cfg := baseConfig()
	cfg.DisableInterim = false
	cfg.Interim = interim.Config{Interval: 10 * time.Millisecond}
	sess := newSession(t, f, cfg)
	ctx := context.Background()

	interimCh := f.bus.SubscribeInterim()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Speech below the chunk gate keeps the detector in the speaking state,
	// which is what arms the interim ticker.
	if err := sess.ProcessSamples(audioBytes(900, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}

	select {
	case ev := <-interimCh:
		if ev.Text != "hello world" {
			t.Fatalf("expected interim engine text, got %q", ev.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no interim text published")
	}

	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := sess.Stats(); st.Interim.Issued == 0 {
		t.Fatalf("expected interim requests issued, stats %+v", st.Interim)
	}
}

func TestSession_StartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t, f, baseConfig())
	ctx := context.Background()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Start(ctx); err == nil {
		t.Fatal("expected error on double start")
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop must be idempotent, got %v", err)
	}
}

func TestManager_SingleActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mgr, err := session.NewManager(session.ManagerConfig{Session: baseConfig(), Deps: f.deps})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if mgr.IsActive() {
		t.Fatal("expected no active session initially")
	}
	if err := mgr.StopSession(ctx); err == nil {
		t.Fatal("expected error stopping with no active session")
	}

	sess, err := mgr.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("expected a generated session id")
	}
	if _, err := mgr.StartSession(ctx); err == nil {
		t.Fatal("expected error starting a second session")
	}
	if got := mgr.ActiveSession(); got != sess {
		t.Fatal("ActiveSession returned a different session")
	}
	if mgr.Info().SessionID != sess.ID() {
		t.Fatal("Info does not match the active session")
	}

	if err := mgr.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if mgr.IsActive() {
		t.Fatal("expected no active session after stop")
	}
	if _, err := mgr.StartSession(ctx); err != nil {
		t.Fatalf("StartSession after stop: %v", err)
	}
	mgr.StopSession(ctx)
}

func TestManager_SetEnergyThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mgr, err := session.NewManager(session.ManagerConfig{Session: baseConfig(), Deps: f.deps})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// Raising the threshold before any session exists must carry into the
	// next session's pipeline.
	mgr.SetEnergyThreshold(5000)

	sess, err := mgr.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	// Amplitude 500 sits below the raised threshold: classified as silence,
	// so nothing ever reaches the dispatcher.
	if err := sess.ProcessSamples(audioBytes(2000, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := sess.ProcessSamples(audioBytes(1200, 0)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if got := sess.Stats().Dispatch.Submitted; got != 0 {
		t.Fatalf("expected no chunk below the raised threshold, got %d", got)
	}

	// Lowering it retunes the live session: the same amplitude now counts
	// as speech and the next pause produces a segment.
	mgr.SetEnergyThreshold(100)
	statusCh := f.bus.SubscribeSegmentStatus()
	if err := sess.ProcessSamples(audioBytes(2000, 500)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := sess.ProcessSamples(audioBytes(1200, 0)); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	waitStatus(t, statusCh, seglog.StatusCompleted)

	if err := mgr.StopSession(ctx); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
}
