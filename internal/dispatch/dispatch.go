// Package dispatch moves finalised chunks from the capture path to the
// transcription engine.
//
// Submit does the durable part inline: the chunk audio is appended to the
// audio store and a pending segment record is written before the call
// returns, so a crash after Submit can duplicate work but never lose it.
// The engine call itself happens on a single consumer goroutine fed by a
// bounded queue, which keeps segment processing ordered and keeps slow
// engine calls off the ingest path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/audiostore"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/chunker"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/resilience"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/seglog"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// DefaultQueueSize bounds the work queue. At the minimum chunk cadence of
// half a second, a full queue means transcription is more than thirty
// seconds behind; at that point Submit applies backpressure rather than
// dropping durable work.
const DefaultQueueSize = 64

// ErrStopped is returned by Submit after Stop has begun.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Config holds the dispatcher tunables.
type Config struct {
	// SessionID names the audio store file chunks are appended to. Required.
	SessionID string

	// QueueSize bounds the pending work queue. Defaults to DefaultQueueSize.
	QueueSize int

	// Retry bounds engine retries on the durable path. Zero values take the
	// resilience defaults.
	Retry resilience.RetryConfig
}

// Stats is a point-in-time snapshot of dispatcher throughput.
type Stats struct {
	QueueDepth int
	Submitted  uint64
	Replayed   uint64
	Completed  uint64
	Failed     uint64
}

// job is one unit of consumer work. Live jobs carry their audio; recovered
// jobs re-read it from the audio store.
type job struct {
	seg       seglog.Segment
	pcmAudio  []byte
	recovered bool
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher owns the chunk-to-engine pipeline for one capture session.
type Dispatcher struct {
	cfg    Config
	store  seglog.Store
	audio  audiostore.Store
	engine engine.Transcriber
	bus    *events.Bus
	log    *slog.Logger

	// qmu serialises queue sends against close(queue) in Stop. The consumer
	// never takes it, so a blocking send always drains.
	qmu     sync.Mutex
	queue   chan job
	started bool
	stopped bool
	workers sync.WaitGroup

	submitted atomic.Uint64
	replayed  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	// pending counts jobs enqueued but not yet fully processed, so Drain has
	// no window between dequeue and processing where work is invisible.
	pending atomic.Int64
}

// New creates a Dispatcher. Start must be called before Submit.
func New(cfg Config, store seglog.Store, audio audiostore.Store, eng engine.Transcriber, bus *events.Bus, opts ...Option) (*Dispatcher, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("dispatch: session id must not be empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if store == nil {
		return nil, errors.New("dispatch: segment store must not be nil")
	}
	if audio == nil {
		return nil, errors.New("dispatch: audio store must not be nil")
	}
	if eng == nil {
		return nil, errors.New("dispatch: transcriber must not be nil")
	}
	if bus == nil {
		return nil, errors.New("dispatch: event bus must not be nil")
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		audio:  audio,
		engine: eng,
		bus:    bus,
		log:    slog.Default(),
		queue:  make(chan job, cfg.QueueSize),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Start launches the consumer goroutine. ctx cancellation abandons in-flight
// work; the abandoned segment stays in processing and is replayed as
// interrupted on the next start.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if d.started {
		return errors.New("dispatch: already started")
	}
	d.started = true
	d.workers.Add(1)
	go d.consume(ctx)
	return nil
}

// Submit persists a finalised chunk and hands it to the consumer. The audio
// append and the pending segment record complete before Submit returns.
// Returns the sequence index assigned to the segment.
func (d *Dispatcher) Submit(ctx context.Context, chunk chunker.Chunk) (uint64, error) {
	seq := d.store.NextSequence()
	pcmAudio := pcm.SamplesToBytes(chunk.Samples)

	path, offset, err := d.audio.Append(d.cfg.SessionID, pcmAudio)
	if err != nil {
		return 0, fmt.Errorf("dispatch: persist chunk audio: %w", err)
	}

	seg := seglog.Segment{
		SequenceIndex: seq,
		AudioPath:     path,
		ByteOffset:    offset,
		SampleCount:   len(chunk.Samples),
	}
	if err := d.store.Enqueue(ctx, seg); err != nil {
		return 0, fmt.Errorf("dispatch: enqueue segment %d: %w", seq, err)
	}

	d.bus.PublishChunkFinalized(events.ChunkFinalized{
		SequenceIndex:  seq,
		Trigger:        chunk.Trigger,
		SpeechDuration: chunk.SpeechDuration,
		TotalDuration:  chunk.TotalDuration,
		FinalizedAt:    chunk.FinalizedAt,
	})
	d.publishStatus(seg.SequenceIndex, seglog.StatusPending, "", "")

	d.qmu.Lock()
	defer d.qmu.Unlock()
	if d.stopped {
		// The record is durable; it will be replayed on the next start.
		return seq, ErrStopped
	}
	d.pending.Add(1)
	d.queue <- job{seg: seg, pcmAudio: pcmAudio}
	d.submitted.Add(1)
	return seq, nil
}

// SubmitRecovered queues segments claimed from the segment log for replay.
// Call before live capture starts so replayed segments keep their original
// order ahead of new work.
func (d *Dispatcher) SubmitRecovered(segs []seglog.Segment) error {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	for _, seg := range segs {
		d.pending.Add(1)
		d.queue <- job{seg: seg, recovered: true}
		d.replayed.Add(1)
	}
	return nil
}

// Drain blocks until every queued job has been processed or ctx expires.
// The queue stays open; use it before cleanup passes or in tests.
func (d *Dispatcher) Drain(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if d.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dispatch: drain: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// Stop closes the queue and waits for the consumer to finish the remaining
// jobs. Submit and SubmitRecovered return ErrStopped afterwards. ctx bounds
// the wait.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.qmu.Lock()
	if d.stopped {
		d.qmu.Unlock()
		return nil
	}
	d.stopped = true
	if d.started {
		close(d.queue)
	}
	d.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}

// Stats returns a throughput snapshot.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth: len(d.queue),
		Submitted:  d.submitted.Load(),
		Replayed:   d.replayed.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
	}
}

func (d *Dispatcher) consume(ctx context.Context) {
	defer d.workers.Done()
	for {
		select {
		case <-ctx.Done():
			d.log.Debug("dispatch consumer cancelled", "queued", len(d.queue))
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, j)
			d.pending.Add(-1)
		}
	}
}

// process runs one segment end to end: claim, transcribe with retries,
// record the outcome. Every early return leaves the segment in a state the
// recovery path can handle.
func (d *Dispatcher) process(ctx context.Context, j job) {
	seq := j.seg.SequenceIndex

	pcmAudio := j.pcmAudio
	if j.recovered {
		length := j.seg.SampleCount * pcm.BytesPerSample
		data, err := d.audio.ReadRange(j.seg.AudioPath, j.seg.ByteOffset, length)
		if err != nil {
			var nf *audiostore.NotFoundError
			reason := fmt.Sprintf("read chunk audio: %v", err)
			if errors.As(err, &nf) {
				reason = "audio source missing"
			}
			d.markFailed(ctx, seq, reason)
			return
		}
		pcmAudio = data
	} else {
		// Recovered segments were claimed by the segment log already; live
		// ones are claimed here.
		if err := d.store.MarkProcessing(ctx, seq); err != nil {
			d.log.Error("claim segment", "sequenceIndex", seq, "error", err)
			return
		}
	}
	d.publishStatus(seq, seglog.StatusProcessing, "", "")

	var res engine.Result
	err := resilience.Retry(ctx, d.cfg.Retry, func() error {
		var terr error
		res, terr = d.engine.Transcribe(ctx, pcmAudio)
		return terr
	})
	if err != nil {
		d.markFailed(ctx, seq, err.Error())
		return
	}

	if err := d.store.MarkCompleted(ctx, seq, res.Text); err != nil {
		d.log.Error("record segment completion", "sequenceIndex", seq, "error", err)
		return
	}
	d.completed.Add(1)
	d.publishStatus(seq, seglog.StatusCompleted, res.Text, "")
	d.log.Info("segment transcribed",
		"sequenceIndex", seq,
		"recovered", j.recovered,
		"chars", len(res.Text),
	)
}

func (d *Dispatcher) markFailed(ctx context.Context, seq uint64, reason string) {
	if err := d.store.MarkFailed(ctx, seq, reason); err != nil {
		d.log.Error("record segment failure", "sequenceIndex", seq, "error", err)
		return
	}
	d.failed.Add(1)
	d.publishStatus(seq, seglog.StatusFailed, "", reason)
	d.log.Warn("segment failed", "sequenceIndex", seq, "reason", reason)
}

func (d *Dispatcher) publishStatus(seq uint64, status seglog.Status, text, failReason string) {
	d.bus.PublishSegmentStatus(events.SegmentStatus{
		SequenceIndex: seq,
		Status:        status,
		Text:          text,
		FailReason:    failReason,
		ChangedAt:     time.Now(),
	})
}
