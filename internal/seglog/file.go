package seglog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists segments as an append-only JSONL journal. Every mutation
// appends a full record version; the latest line for a sequence index wins on
// replay. Appends are fsynced before returning, which is what makes Enqueue
// safe to treat as the durability point of the finalize handoff. Cleanup
// compacts the journal by atomic rewrite.
//
// Thread-safe for concurrent use.
type FileStore struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	index     map[uint64]Segment
	nextSeq   uint64
	recovered bool
	log       *slog.Logger
}

// FileOption is a functional option for configuring a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the logger. Defaults to slog.Default().
func WithFileLogger(l *slog.Logger) FileOption {
	return func(fs *FileStore) { fs.log = l }
}

// NewFileStore opens (or creates) the journal at path and replays it into an
// in-memory index. The parent directory is created if missing.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("seglog: journal path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("seglog: create journal dir: %w", err)
	}

	fs := &FileStore{
		path:  path,
		index: make(map[uint64]Segment),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(fs)
	}

	if err := fs.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("seglog: open journal: %w", err)
	}
	if err := repairTornTail(f); err != nil {
		f.Close()
		return nil, err
	}
	fs.f = f
	return fs, nil
}

// repairTornTail terminates an unfinished final line left by a crash
// mid-append, so the next record starts on a fresh line. Replay already
// skips the torn line itself.
func repairTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("seglog: stat journal: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return fmt.Errorf("seglog: read journal tail: %w", err)
	}
	if buf[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("seglog: terminate torn line: %w", err)
	}
	return nil
}

// replay reads the journal and rebuilds the latest-version index.
func (fs *FileStore) replay() error {
	f, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			fs.nextSeq = 1
			return nil
		}
		return fmt.Errorf("seglog: open journal for replay: %w", err)
	}
	defer f.Close()

	var maxSeq uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var seg Segment
		if err := json.Unmarshal(raw, &seg); err != nil {
			// A torn final line from a crash mid-append is expected; anything
			// else is still not worth refusing the whole journal for.
			fs.log.Warn("seglog: skipping unreadable journal line", "line", line, "error", err)
			continue
		}
		fs.index[seg.SequenceIndex] = seg
		if seg.SequenceIndex > maxSeq {
			maxSeq = seg.SequenceIndex
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("seglog: scan journal: %w", err)
	}
	fs.nextSeq = maxSeq + 1
	return nil
}

// appendLocked writes one record version to the journal and fsyncs it.
func (fs *FileStore) appendLocked(seg Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("seglog: marshal segment %d: %w", seg.SequenceIndex, err)
	}
	data = append(data, '\n')
	if _, err := fs.f.Write(data); err != nil {
		return fmt.Errorf("seglog: append segment %d: %w", seg.SequenceIndex, err)
	}
	if err := fs.f.Sync(); err != nil {
		return fmt.Errorf("seglog: sync journal: %w", err)
	}
	fs.index[seg.SequenceIndex] = seg
	return nil
}

// NextSequence implements Store.
func (fs *FileStore) NextSequence() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	seq := fs.nextSeq
	fs.nextSeq++
	return seq
}

// Enqueue implements Store. The segment's status is forced to pending and
// CreatedAt is stamped if unset.
func (fs *FileStore) Enqueue(ctx context.Context, seg Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.index[seg.SequenceIndex]; exists {
		return fmt.Errorf("seglog: segment %d already enqueued", seg.SequenceIndex)
	}
	seg.Status = StatusPending
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	if seg.SequenceIndex >= fs.nextSeq {
		fs.nextSeq = seg.SequenceIndex + 1
	}
	return fs.appendLocked(seg)
}

// transitionLocked applies the guard table and appends the new version.
func (fs *FileStore) transitionLocked(index uint64, to Status, mutate func(*Segment)) error {
	seg, ok := fs.index[index]
	if !ok {
		return fmt.Errorf("seglog: segment %d: %w", index, ErrNotFound)
	}
	if !CanTransition(seg.Status, to) {
		return &InvalidTransitionError{Index: index, From: seg.Status, To: to}
	}
	seg.Status = to
	if mutate != nil {
		mutate(&seg)
	}
	return fs.appendLocked(seg)
}

// MarkProcessing implements Store.
func (fs *FileStore) MarkProcessing(ctx context.Context, index uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.transitionLocked(index, StatusProcessing, nil)
}

// MarkCompleted implements Store.
func (fs *FileStore) MarkCompleted(ctx context.Context, index uint64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.transitionLocked(index, StatusCompleted, func(s *Segment) {
		now := time.Now().UTC()
		s.Text = text
		s.CompletedAt = &now
	})
}

// MarkFailed implements Store.
func (fs *FileStore) MarkFailed(ctx context.Context, index uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.transitionLocked(index, StatusFailed, func(s *Segment) {
		now := time.Now().UTC()
		s.FailReason = reason
		s.CompletedAt = &now
	})
}

// LoadRecoverable implements Store.
func (fs *FileStore) LoadRecoverable(ctx context.Context) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.recovered {
		for idx, seg := range fs.index {
			if seg.Status != StatusProcessing {
				continue
			}
			if err := fs.transitionLocked(idx, StatusInterrupted, nil); err != nil {
				return nil, err
			}
		}
		fs.recovered = true
	}

	var claimed []Segment
	for idx, seg := range fs.index {
		if seg.Status != StatusPending && seg.Status != StatusInterrupted {
			continue
		}
		if err := fs.transitionLocked(idx, StatusProcessing, nil); err != nil {
			return nil, err
		}
		claimed = append(claimed, fs.index[idx])
	}
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].SequenceIndex < claimed[j].SequenceIndex
	})
	return claimed, nil
}

// Cleanup implements Store. Terminal records older than the cutoff are
// dropped and the journal is compacted in place via temp file + rename.
func (fs *FileStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for idx, seg := range fs.index {
		if !seg.Status.Terminal() {
			continue
		}
		stamp := seg.CreatedAt
		if seg.CompletedAt != nil {
			stamp = *seg.CompletedAt
		}
		if stamp.Before(cutoff) {
			delete(fs.index, idx)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := fs.compactLocked(); err != nil {
		return 0, err
	}
	fs.log.Info("seglog: journal compacted", "removed", removed, "remaining", len(fs.index))
	return removed, nil
}

// compactLocked rewrites the journal with one line per live segment.
func (fs *FileStore) compactLocked() error {
	tmpPath := fs.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("seglog: create compaction file: %w", err)
	}

	keys := make([]uint64, 0, len(fs.index))
	for idx := range fs.index {
		keys = append(keys, idx)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	w := bufio.NewWriter(tmp)
	for _, idx := range keys {
		data, err := json.Marshal(fs.index[idx])
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("seglog: marshal during compaction: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("seglog: write during compaction: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("seglog: flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("seglog: sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("seglog: close compaction file: %w", err)
	}

	if err := fs.f.Close(); err != nil {
		return fmt.Errorf("seglog: close journal before swap: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("seglog: swap compacted journal: %w", err)
	}
	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("seglog: reopen journal: %w", err)
	}
	fs.f = f
	return nil
}

// Ping implements Store. It verifies the journal handle is open and the file
// still exists on disk.
func (fs *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.f == nil {
		return errors.New("seglog: journal closed")
	}
	if _, err := os.Stat(fs.path); err != nil {
		return fmt.Errorf("seglog: stat journal: %w", err)
	}
	return nil
}

// Close implements Store.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.f == nil {
		return nil
	}
	err := fs.f.Close()
	fs.f = nil
	return err
}
