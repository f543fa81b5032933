// Package audiostore persists raw PCM16 chunk audio so that transcription can
// be replayed after a crash. Each capture session appends to its own flat
// .pcm file; segment records elsewhere reference a byte range within it.
package audiostore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// NotFoundError reports that a requested byte range cannot be served, either
// because the backing file is gone or because it is shorter than the range.
type NotFoundError struct {
	Path   string
	Offset int64
	Length int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("audiostore: %s: range [%d, %d) not available", e.Path, e.Offset, e.Offset+int64(e.Length))
}

// Store persists chunk audio and serves it back by byte range.
type Store interface {
	// Append durably writes pcm to the session's audio file and returns the
	// file path together with the byte offset the data starts at. The data
	// is synced to disk before Append returns.
	Append(sessionID string, pcm []byte) (path string, offset int64, err error)

	// ReadRange returns length bytes starting at offset from the file at
	// path. A missing file or a range past the end of the file yields a
	// *NotFoundError.
	ReadRange(path string, offset int64, length int) ([]byte, error)

	// Close releases any open file handles.
	Close() error
}

// FileStore is the flat-file Store implementation. One file per session,
// opened lazily and kept open across appends.
//
// Thread-safe for concurrent use.
type FileStore struct {
	mu      sync.Mutex
	root    string
	handles map[string]*os.File
}

// NewFileStore creates the root directory if needed and returns a store that
// places session audio files beneath it.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("audiostore: root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("audiostore: create root dir: %w", err)
	}
	return &FileStore{
		root:    root,
		handles: make(map[string]*os.File),
	}, nil
}

// Append implements Store.
func (s *FileStore) Append(sessionID string, pcm []byte) (string, int64, error) {
	if sessionID == "" {
		return "", 0, errors.New("audiostore: session id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, sessionID+".pcm")
	f, ok := s.handles[path]
	if !ok {
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", 0, fmt.Errorf("audiostore: open %s: %w", path, err)
		}
		s.handles[path] = f
	}

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("audiostore: stat %s: %w", path, err)
	}
	offset := info.Size()

	if _, err := f.Write(pcm); err != nil {
		return "", 0, fmt.Errorf("audiostore: append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("audiostore: sync %s: %w", path, err)
	}
	return path, offset, nil
}

// ReadRange implements Store.
func (s *FileStore) ReadRange(path string, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("audiostore: invalid range [%d, %d)", offset, offset+int64(length))
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path, Offset: offset, Length: length}
		}
		return nil, fmt.Errorf("audiostore: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &NotFoundError{Path: path, Offset: offset, Length: length}
		}
		return nil, fmt.Errorf("audiostore: read %s: %w", path, err)
	}
	return buf, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for path, f := range s.handles {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audiostore: close %s: %w", path, err))
		}
	}
	s.handles = make(map[string]*os.File)
	return errors.Join(errs...)
}
