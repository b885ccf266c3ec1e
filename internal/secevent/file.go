// internal/secevent/file.go
package secevent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one line per event to a file opened in append mode. The
// file is never truncated or rewritten.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFileSink opens (or creates) path for appending, creating parent directories.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open security log: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

func (s *FileSink) Path() string { return s.path }

// Write appends the event line in a single write call.
func (s *FileSink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	_, err := s.f.WriteString(e.Line())
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
