package seglog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS segments (
    sequence_index BIGINT       PRIMARY KEY,
    audio_path     TEXT         NOT NULL,
    byte_offset    BIGINT       NOT NULL,
    sample_count   BIGINT       NOT NULL,
    status         TEXT         NOT NULL,
    text           TEXT         NOT NULL DEFAULT '',
    fail_reason    TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_segments_status
    ON segments (status);

CREATE INDEX IF NOT EXISTS idx_segments_created_at
    ON segments (created_at);
`

// Migrate creates or ensures the segments table exists. It is idempotent
// (CREATE TABLE IF NOT EXISTS) and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSegments); err != nil {
		return fmt.Errorf("seglog migrate: %w", err)
	}
	return nil
}

// PostgresStore is a PostgreSQL-backed segment log. It assumes a single
// process owns the table at a time (the same ownership model the journal
// file has); the recovery relabel is therefore guarded in-process rather
// than with advisory locks.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool

	seq atomic.Uint64

	mu        sync.Mutex
	recovered bool
}

// NewPostgresStore establishes a connection pool to the database at dsn, runs
// [Migrate], and seeds the sequence counter from the highest stored index.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("seglog postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("seglog postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seglog postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	var maxSeq uint64
	const q = `SELECT COALESCE(MAX(sequence_index), 0) FROM segments`
	if err := pool.QueryRow(ctx, q).Scan(&maxSeq); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seglog postgres: seed sequence: %w", err)
	}

	s := &PostgresStore{pool: pool}
	s.seq.Store(maxSeq)
	return s, nil
}

// NextSequence implements Store.
func (s *PostgresStore) NextSequence() uint64 {
	return s.seq.Add(1)
}

// Enqueue implements Store.
func (s *PostgresStore) Enqueue(ctx context.Context, seg Segment) error {
	const q = `
		INSERT INTO segments
		    (sequence_index, audio_path, byte_offset, sample_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	createdAt := seg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, q,
		int64(seg.SequenceIndex),
		seg.AudioPath,
		seg.ByteOffset,
		int64(seg.SampleCount),
		string(StatusPending),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("seglog postgres: enqueue segment %d: %w", seg.SequenceIndex, err)
	}
	return nil
}

// transition applies a guarded status update. The WHERE clause only matches
// rows whose current status permits the move; zero rows affected means either
// the segment does not exist or the transition is invalid, disambiguated by a
// follow-up status read.
func (s *PostgresStore) transition(ctx context.Context, index uint64, to Status, extra string, args ...any) error {
	sources := transitionSources(to)
	q := fmt.Sprintf(`
		UPDATE segments
		SET    status = $2%s
		WHERE  sequence_index = $1
		  AND  status = ANY($%d)`, extra, len(args)+3)

	all := append([]any{int64(index), string(to)}, args...)
	all = append(all, sources)

	tag, err := s.pool.Exec(ctx, q, all...)
	if err != nil {
		return fmt.Errorf("seglog postgres: mark segment %d %s: %w", index, to, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	const check = `SELECT status FROM segments WHERE sequence_index = $1`
	switch err := s.pool.QueryRow(ctx, check, int64(index)).Scan(&current); err {
	case nil:
		return &InvalidTransitionError{Index: index, From: Status(current), To: to}
	case pgx.ErrNoRows:
		return fmt.Errorf("seglog postgres: segment %d: %w", index, ErrNotFound)
	default:
		return fmt.Errorf("seglog postgres: check segment %d: %w", index, err)
	}
}

// transitionSources lists the statuses from which to is reachable, as text
// values for a status = ANY($n) guard.
func transitionSources(to Status) []string {
	var out []string
	for from, tos := range transitions {
		for _, t := range tos {
			if t == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// MarkProcessing implements Store.
func (s *PostgresStore) MarkProcessing(ctx context.Context, index uint64) error {
	return s.transition(ctx, index, StatusProcessing, "")
}

// MarkCompleted implements Store.
func (s *PostgresStore) MarkCompleted(ctx context.Context, index uint64, text string) error {
	return s.transition(ctx, index, StatusCompleted, ", text = $3, completed_at = now()", text)
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, index uint64, reason string) error {
	return s.transition(ctx, index, StatusFailed, ", fail_reason = $3, completed_at = now()", reason)
}

// LoadRecoverable implements Store.
func (s *PostgresStore) LoadRecoverable(ctx context.Context) ([]Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recovered {
		const relabel = `
			UPDATE segments
			SET    status = $1
			WHERE  status = $2`
		if _, err := s.pool.Exec(ctx, relabel, string(StatusInterrupted), string(StatusProcessing)); err != nil {
			return nil, fmt.Errorf("seglog postgres: relabel interrupted: %w", err)
		}
		s.recovered = true
	}

	const claim = `
		WITH claimed AS (
		    UPDATE segments
		    SET    status = $1
		    WHERE  status = ANY($2)
		    RETURNING sequence_index, audio_path, byte_offset, sample_count,
		              status, text, fail_reason, created_at, completed_at
		)
		SELECT sequence_index, audio_path, byte_offset, sample_count,
		       status, text, fail_reason, created_at, completed_at
		FROM   claimed
		ORDER  BY sequence_index`

	rows, err := s.pool.Query(ctx, claim,
		string(StatusProcessing),
		[]string{string(StatusPending), string(StatusInterrupted)},
	)
	if err != nil {
		return nil, fmt.Errorf("seglog postgres: load recoverable: %w", err)
	}
	return collectSegments(rows)
}

// Cleanup implements Store. Terminal rows whose completion (or creation, if
// never completed) predates the cutoff are deleted.
func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	const q = `
		DELETE FROM segments
		WHERE  status = ANY($1)
		  AND  COALESCE(completed_at, created_at) < now() - ($2::bigint * interval '1 microsecond')`

	tag, err := s.pool.Exec(ctx, q,
		[]string{string(StatusCompleted), string(StatusFailed)},
		olderThan.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("seglog postgres: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store. It releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// collectSegments scans pgx rows into a slice of Segment values.
func collectSegments(rows pgx.Rows) ([]Segment, error) {
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var (
			seg         Segment
			seqIndex    int64
			sampleCount int64
			status      string
		)
		if err := row.Scan(
			&seqIndex,
			&seg.AudioPath,
			&seg.ByteOffset,
			&sampleCount,
			&status,
			&seg.Text,
			&seg.FailReason,
			&seg.CreatedAt,
			&seg.CompletedAt,
		); err != nil {
			return Segment{}, err
		}
		seg.SequenceIndex = uint64(seqIndex)
		seg.SampleCount = int(sampleCount)
		seg.Status = Status(status)
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("seglog postgres: scan rows: %w", err)
	}
	return segs, nil
}
