// Package seglog is the durable record of audio chunks queued for
// transcription.
//
// Every finalised chunk becomes a Segment keyed by a monotonic sequence
// index. The status field is the single source of truth for where a segment
// is in its life: transitions go through a guard table, and a guard violation
// is surfaced as an error rather than silently overwritten. On startup,
// records left in "processing" by a dead process are relabelled
// "interrupted" and offered for replay exactly once.
//
// Two backends exist: an append-only JSONL journal for single-machine
// deployments and a PostgreSQL table for shared ones.
package seglog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the processing state of a segment.
type Status string

const (
	// StatusPending: enqueued, not yet picked up by the dispatcher.
	StatusPending Status = "pending"
	// StatusProcessing: a transcription attempt is in flight.
	StatusProcessing Status = "processing"
	// StatusCompleted: transcription succeeded; Text is set. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed: transcription or its source audio failed for good;
	// FailReason is set. Terminal.
	StatusFailed Status = "failed"
	// StatusInterrupted: found in processing at startup, meaning the prior
	// process died mid-transcription. Eligible for replay.
	StatusInterrupted Status = "interrupted"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions is the guard table. Forward only: a terminal segment never
// moves again, and nothing skips the processing claim.
var transitions = map[Status][]Status{
	StatusPending:     {StatusProcessing},
	StatusInterrupted: {StatusProcessing},
	StatusProcessing:  {StatusCompleted, StatusFailed, StatusInterrupted},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempted illegal status change. It marks
// a broken invariant in the caller, not a recoverable storage condition.
type InvalidTransitionError struct {
	Index uint64
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("seglog: segment %d: invalid transition %s → %s", e.Index, e.From, e.To)
}

// ErrNotFound is returned when no segment exists for a sequence index.
var ErrNotFound = errors.New("seglog: segment not found")

// Segment is one durable unit of transcription work. Records are serialized
// with named fields so the layout tolerates schema evolution.
type Segment struct {
	SequenceIndex uint64     `json:"sequence_index"`
	AudioPath     string     `json:"audio_path"`
	ByteOffset    int64      `json:"byte_offset"`
	SampleCount   int        `json:"sample_count"`
	Status        Status     `json:"status"`
	Text          string     `json:"text,omitempty"`
	FailReason    string     `json:"fail_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Store is the segment log contract. Implementations must make Enqueue
// durable before returning: once the finalize handoff completes, a crash may
// duplicate work but never lose it.
type Store interface {
	// NextSequence reserves and returns the next sequence index. Monotonic
	// and unique across restarts.
	NextSequence() uint64

	// Enqueue appends a new record with status pending.
	Enqueue(ctx context.Context, seg Segment) error

	// MarkProcessing transitions pending|interrupted → processing.
	MarkProcessing(ctx context.Context, index uint64) error

	// MarkCompleted transitions processing → completed and records the text.
	MarkCompleted(ctx context.Context, index uint64, text string) error

	// MarkFailed transitions processing → failed and records the reason.
	MarkFailed(ctx context.Context, index uint64, reason string) error

	// LoadRecoverable relabels processing → interrupted (first call per
	// process only), then claims every pending or interrupted segment by
	// advancing it to processing and returns the claimed set in ascending
	// sequence order. A second call without new enqueues returns nothing:
	// replay therefore skips MarkProcessing and goes straight to a terminal
	// transition.
	LoadRecoverable(ctx context.Context) ([]Segment, error)

	// Cleanup removes terminal records whose completion is older than the
	// given age, returning how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping verifies the backing resource is still reachable.
	Ping(ctx context.Context) error

	// Close releases the backing resources.
	Close() error
}
