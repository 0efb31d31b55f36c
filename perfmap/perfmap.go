// Package perfmap publishes trampoline mappings as a perf map file, the
// text format perf reads from /tmp/perf-<pid>.map to name code it can't
// find in any ELF file. It also parses such files.
package perfmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pboyd/perftramp"
)

const (
	// DefaultDir is where perf looks for map files.
	DefaultDir = "/tmp"

	DefaultPrefix = "py::"

	defaultMaxWriteFailures = 8
)

// ErrDisabled is returned by Writer.WriteEntry after too many consecutive
// write failures.
var ErrDisabled = errors.New("perf map writer disabled")

// Config configures a Backend.
type Config struct {
	// Dir holds the map file. Defaults to DefaultDir.
	Dir string

	// Prefix is prepended to every symbol. Defaults to DefaultPrefix.
	Prefix string

	// MaxWriteFailures is how many writes in a row may fail before the
	// writer gives up. Defaults to 8.
	MaxWriteFailures int
}

// Backend is a perftramp.Backend writing one perf map line per trampoline.
type Backend struct {
	logger      log.Logger
	dir         string
	prefix      string
	maxFailures int
}

var _ perftramp.Backend = (*Backend)(nil)

func New(logger log.Logger, cfg Config) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Backend{
		logger:      logger,
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		maxFailures: cfg.MaxWriteFailures,
	}
	if b.dir == "" {
		b.dir = DefaultDir
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.maxFailures <= 0 {
		b.maxFailures = defaultMaxWriteFailures
	}
	return b
}

// Path returns the map file path for pid in dir.
func Path(dir string, pid int) string {
	return filepath.Join(dir, "perf-"+strconv.Itoa(pid)+".map")
}

// InitState creates the map file for the current process. It fails if the
// file already exists.
func (b *Backend) InitState() (any, error) {
	w, err := Create(b.logger, Path(b.dir, os.Getpid()), b.maxFailures)
	if err != nil {
		return nil, err
	}
	level.Debug(b.logger).Log("msg", "created perf map", "path", w.Path())
	return w, nil
}

func (b *Backend) WriteState(state any, addr uintptr, size int, code perftramp.Code) {
	w, ok := state.(*Writer)
	if !ok || w == nil {
		level.Error(b.logger).Log("msg", "perf map state is not a writer", "state", fmt.Sprintf("%T", state))
		return
	}

	name, err := code.QualName()
	if err != nil {
		level.Error(b.logger).Log("msg", "failed to get qualname from code object", "err", err)
		return
	}
	file, err := code.Filename()
	if err != nil {
		level.Error(b.logger).Log("msg", "failed to get filename from code object", "err", err)
		return
	}

	err = w.WriteEntry(addr, size, b.prefix+name+":"+file)
	if err != nil && !errors.Is(err, ErrDisabled) {
		level.Warn(b.logger).Log("msg", "failed to write perf map entry", "path", w.Path(), "err", err)
	}
}

// FreeState closes the map file. The file itself stays for perf to read.
func (b *Backend) FreeState(state any) error {
	w, _ := state.(*Writer)
	if w == nil {
		return nil
	}
	return w.Close()
}

// Writer appends entries to a perf map file. Each entry is written with a
// single write call so readers never see a partial line from a buffer.
type Writer struct {
	logger      log.Logger
	path        string
	maxFailures int

	mu       sync.Mutex
	f        *os.File
	failures int
	disabled bool
}

// Create exclusively creates a new perf map file at path.
func Create(logger log.Logger, path string, maxFailures int) (*Writer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	f, err := createExclusive(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create perf map file: %w", err)
	}
	if maxFailures <= 0 {
		maxFailures = defaultMaxWriteFailures
	}
	return &Writer{
		logger:      logger,
		path:        path,
		maxFailures: maxFailures,
		f:           f,
	}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// WriteEntry appends one line.
func (w *Writer) WriteEntry(addr uintptr, size int, symbol string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disabled {
		return ErrDisabled
	}
	if w.f == nil {
		return os.ErrClosed
	}

	if _, err := w.f.WriteString(FormatEntry(uint64(addr), uint64(size), symbol)); err != nil {
		w.failures++
		if w.failures >= w.maxFailures {
			w.disabled = true
			level.Error(w.logger).Log("msg", "too many perf map write failures, no more entries will be written", "path", w.path, "failures", w.failures, "err", err)
		}
		return err
	}

	w.failures = 0
	return nil
}

// Close closes the file. Calling it more than once is fine.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// FormatEntry returns one newline-terminated perf map line.
func FormatEntry(addr, size uint64, symbol string) string {
	return fmt.Sprintf("%#x %x %s\n", addr, size, symbol)
}
