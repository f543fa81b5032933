// Package events carries the three observable streams of a capture session:
// interim text updates, chunk finalizations, and segment status changes.
//
// Interim text is latest-wins: a slow subscriber never sees a backlog of
// stale readings, only the most recent one. The other two streams are
// best-effort notifications; consumers that must not miss a segment outcome
// read the segment log, not the bus.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/chunker"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/seglog"
)

// InterimText is a low-latency rolling transcription update. It is display
// state, never persisted; each value replaces the previous one wholesale.
type InterimText struct {
	Text      string
	UpdatedAt time.Time
}

// ChunkFinalized announces that a speech chunk left the accumulation buffer
// and was durably enqueued for transcription.
type ChunkFinalized struct {
	SequenceIndex  uint64
	Trigger        chunker.Trigger
	SpeechDuration time.Duration
	TotalDuration  time.Duration
	FinalizedAt    time.Time
}

// SegmentStatus announces a segment log status transition.
type SegmentStatus struct {
	SequenceIndex uint64
	Status        seglog.Status
	Text          string
	FailReason    string
	ChangedAt     time.Time
}

// Bus fans the three streams out to any number of subscribers.
// All methods are safe for concurrent use.
type Bus struct {
	interim   *stream[InterimText]
	finalized *stream[ChunkFinalized]
	status    *stream[SegmentStatus]
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		// Buffer 1 + replace gives each interim subscriber exactly the
		// latest value.
		interim:   newStream[InterimText](1, true),
		finalized: newStream[ChunkFinalized](16, false),
		status:    newStream[SegmentStatus](16, false),
	}
}

// PublishInterim replaces the pending interim value for every subscriber.
func (b *Bus) PublishInterim(ev InterimText) { b.interim.publish(ev) }

// PublishChunkFinalized notifies subscribers of a finalized chunk.
func (b *Bus) PublishChunkFinalized(ev ChunkFinalized) { b.finalized.publish(ev) }

// PublishSegmentStatus notifies subscribers of a segment status change.
func (b *Bus) PublishSegmentStatus(ev SegmentStatus) { b.status.publish(ev) }

// SubscribeInterim registers a new interim text subscriber.
func (b *Bus) SubscribeInterim() chan InterimText { return b.interim.subscribe() }

// UnsubscribeInterim removes and closes a subscriber channel.
func (b *Bus) UnsubscribeInterim(ch chan InterimText) { b.interim.unsubscribe(ch) }

// SubscribeChunkFinalized registers a new chunk finalization subscriber.
func (b *Bus) SubscribeChunkFinalized() chan ChunkFinalized { return b.finalized.subscribe() }

// UnsubscribeChunkFinalized removes and closes a subscriber channel.
func (b *Bus) UnsubscribeChunkFinalized(ch chan ChunkFinalized) { b.finalized.unsubscribe(ch) }

// SubscribeSegmentStatus registers a new segment status subscriber.
func (b *Bus) SubscribeSegmentStatus() chan SegmentStatus { return b.status.subscribe() }

// UnsubscribeSegmentStatus removes and closes a subscriber channel.
func (b *Bus) UnsubscribeSegmentStatus(ch chan SegmentStatus) { b.status.unsubscribe(ch) }

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.interim.close()
	b.finalized.close()
	b.status.close()
}

// ---- stream -----------------------------------------------------------------

// stream is one fanout channel group. When replace is set, a full subscriber
// buffer is drained by one element before the new value is offered, so the
// subscriber always finds the freshest value.
type stream[T any] struct {
	buffer  int
	replace bool

	mu     sync.Mutex
	subs   []chan T
	closed bool
}

func newStream[T any](buffer int, replace bool) *stream[T] {
	return &stream[T]{buffer: buffer, replace: replace}
}

func (s *stream[T]) subscribe() chan T {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *stream[T]) unsubscribe(ch chan T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *stream[T]) publish(ev T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !s.replace {
			slog.Debug("event subscriber full, dropping event")
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
