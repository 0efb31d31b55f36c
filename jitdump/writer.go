package jitdump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pboyd/perftramp"
)

const (
	DefaultDir    = "/tmp"
	DefaultPrefix = "py::"

	defaultMaxWriteFailures = 8
)

// ErrDisabled is returned after too many consecutive write failures.
var ErrDisabled = errors.New("jitdump writer disabled")

type Config struct {
	// Dir holds the dump file. Defaults to DefaultDir.
	Dir string

	// Prefix is prepended to every symbol. Defaults to DefaultPrefix.
	Prefix string

	// MaxWriteFailures is how many writes in a row may fail before the
	// writer gives up. Defaults to 8.
	MaxWriteFailures int
}

// Backend is a perftramp.Backend that writes a code load record, code
// bytes included, for every trampoline.
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

// Path returns the dump file path for pid in dir.
func Path(dir string, pid int) string {
	return filepath.Join(dir, "jit-"+strconv.Itoa(pid)+".dump")
}

func (b *Backend) InitState() (any, error) {
	w, err := Create(b.logger, Path(b.dir, os.Getpid()), b.maxFailures)
	if err != nil {
		return nil, err
	}
	level.Debug(b.logger).Log("msg", "created jitdump", "path", w.Path())
	return w, nil
}

func (b *Backend) WriteState(state any, addr uintptr, size int, code perftramp.Code) {
	w, ok := state.(*Writer)
	if !ok || w == nil {
		level.Error(b.logger).Log("msg", "jitdump state is not a writer", "state", fmt.Sprintf("%T", state))
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

	// The trampoline is mapped read+exec, so its bytes can be copied out.
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	err = w.WriteCodeLoad(uint64(addr), buf, b.prefix+name+":"+file)
	if err != nil && !errors.Is(err, ErrDisabled) {
		level.Warn(b.logger).Log("msg", "failed to write jitdump record", "path", w.Path(), "err", err)
	}
}

// FreeState writes the close record and closes the file.
func (b *Backend) FreeState(state any) error {
	w, _ := state.(*Writer)
	if w == nil {
		return nil
	}
	return w.Close()
}

// Writer appends records to a jitdump file. Every record is a single
// write call.
type Writer struct {
	logger      log.Logger
	path        string
	pid         uint32
	maxFailures int

	mu       sync.Mutex
	f        *os.File
	marker   []byte
	index    uint64
	failures int
	disabled bool
}

// Create exclusively creates a jitdump file at path and writes its header.
func Create(logger log.Logger, path string, maxFailures int) (*Writer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if maxFailures <= 0 {
		maxFailures = defaultMaxWriteFailures
	}

	f, err := createExclusive(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create jitdump file: %w", err)
	}

	w := &Writer{
		logger:      logger,
		path:        path,
		pid:         uint32(os.Getpid()),
		maxFailures: maxFailures,
		f:           f,
	}

	var buf bytes.Buffer
	err = binary.Write(&buf, byteOrder, Header{
		Magic:     Magic,
		Version:   Version,
		TotalSize: headerSize,
		ElfMach:   uint32(elfMachine()),
		Pid:       w.pid,
		Timestamp: timestamp(),
	})
	if err == nil {
		_, err = f.Write(buf.Bytes())
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write jitdump header: %w", err)
	}

	// perf record only notices the file if it's mapped executable.
	w.marker, err = mapMarker(f)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to map jitdump marker, perf may not find the file", "path", path, "err", err)
	}

	return w, nil
}

func (w *Writer) Path() string {
	return w.path
}

// WriteCodeLoad appends a code load record.
func (w *Writer) WriteCodeLoad(addr uint64, code []byte, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disabled {
		return ErrDisabled
	}
	if w.f == nil {
		return os.ErrClosed
	}

	total := prefixSize + codeLoadFixedSize + len(name) + 1 + len(code)

	var buf bytes.Buffer
	buf.Grow(total)
	err := binary.Write(&buf, byteOrder, Prefix{
		ID:        RecordCodeLoad,
		TotalSize: uint32(total),
		Timestamp: timestamp(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode jitdump record: %w", err)
	}
	err = binary.Write(&buf, byteOrder, codeLoadFixed{
		PID:       w.pid,
		TID:       gettid(),
		VMA:       addr,
		CodeAddr:  addr,
		CodeSize:  uint64(len(code)),
		CodeIndex: w.index,
	})
	if err != nil {
		return fmt.Errorf("failed to encode jitdump record: %w", err)
	}
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.Write(code)

	if _, err := w.f.Write(buf.Bytes()); err != nil {
		w.failures++
		if w.failures >= w.maxFailures {
			w.disabled = true
			level.Error(w.logger).Log("msg", "too many jitdump write failures, no more records will be written", "path", w.path, "failures", w.failures, "err", err)
		}
		return err
	}

	w.failures = 0
	w.index++
	return nil
}

// Close writes a close record, unmaps the marker and closes the file.
// Calling it more than once is fine.
//
// In a forked child the file still belongs to the parent, which keeps
// appending to it, so only the inherited descriptor and marker are
// released.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}

	var errs []error
	if !w.disabled && w.owned() {
		var buf bytes.Buffer
		err := binary.Write(&buf, byteOrder, Prefix{
			ID:        RecordCodeClose,
			TotalSize: prefixSize,
			Timestamp: timestamp(),
		})
		if err == nil {
			_, err = w.f.Write(buf.Bytes())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to write jitdump close record: %w", err))
		}
	}

	if w.marker != nil {
		if err := unmapMarker(w.marker); err != nil {
			errs = append(errs, err)
		}
		w.marker = nil
	}

	if err := w.f.Close(); err != nil {
		errs = append(errs, err)
	}
	w.f = nil

	return errors.Join(errs...)
}

// owned reports whether the calling process created the file.
func (w *Writer) owned() bool {
	return uint32(os.Getpid()) == w.pid
}
