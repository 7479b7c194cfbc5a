// Package sink persists diagnostic dumps.
//
// A Registry owns at most one Sink for as long as it lives. Explicit
// registration is permanent; without it, the first Get installs a file
// sink whose path is the configured prefix followed by the rank.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrRegistered reports a second registration attempt.
var ErrRegistered = errors.New("dump sink already registered")

// Sink persists one diagnostic dump payload.
type Sink interface {
	// Write replaces the previously persisted dump with payload.
	Write(payload []byte) error
	// Target names the destination, for logs and operators.
	Target() string
}

// DefaultPrefix returns the dump path prefix used when none is configured.
func DefaultPrefix() string {
	return filepath.Join(os.TempDir(), "commkit_dump_rank_")
}

// FileSink writes dumps to a fixed file.
type FileSink struct {
	path string
}

// NewFileSink returns a sink writing to prefix immediately followed by the
// decimal rank.
func NewFileSink(prefix string, rank int) *FileSink {
	if prefix == "" {
		prefix = DefaultPrefix()
	}
	return &FileSink{path: prefix + strconv.Itoa(rank)}
}

// Target returns the destination path.
func (s *FileSink) Target() string {
	return s.path
}

// Write lands the payload under a temporary name and renames it over the
// target, so readers never observe a partial dump.
func (s *FileSink) Write(payload []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create dump temp file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to write dump: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("failed to close dump temp file: %w", err)
	}
	if err := os.Rename(f.Name(), s.path); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("failed to replace dump file: %w", err)
	}
	slog.Info("wrote diagnostic dump", "target", s.path, "bytes", len(payload))
	return nil
}

// Registry hands out the dump sink shared by every communicator in a
// process. One explicit Register call is honored for the registry's
// lifetime; otherwise the first Get installs the default file sink for the
// requesting rank.
type Registry struct {
	prefix string

	mu   sync.Mutex
	sink Sink
}

// NewRegistry returns a registry whose lazily installed file sink uses the
// given path prefix.
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix()
	}
	return &Registry{prefix: prefix}
}

// Register installs s permanently. It fails once any sink is installed,
// whether explicitly or by a previous Get.
func (r *Registry) Register(s Sink) error {
	if s == nil {
		return errors.New("nil dump sink")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink != nil {
		return fmt.Errorf("%w: target %s", ErrRegistered, r.sink.Target())
	}
	r.sink = s
	slog.Info("registered dump sink", "target", s.Target())
	return nil
}

// Get returns the installed sink, installing the default file sink for
// rank on first use.
func (r *Registry) Get(rank int) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		r.sink = NewFileSink(r.prefix, rank)
		slog.Info("installed default dump sink", "target", r.sink.Target())
	}
	return r.sink
}

// Registered reports whether a sink is installed.
func (r *Registry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink != nil
}
