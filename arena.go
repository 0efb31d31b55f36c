package perftramp

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// defaultArenaPages is enough for a few thousand trampolines. Non-trivial
// programs touch a few hundred to a few thousand functions.
const defaultArenaPages = 16

// mapper provides the memory arenas are carved from. Map returns writable
// memory, Protect makes it read+exec and drops write.
type mapper interface {
	Map(size int) ([]byte, error)
	Protect(buf []byte) error
	Unmap(buf []byte) error
}

// codeArena is one mapping filled with template copies. Slots are handed out
// front to back and never returned.
type codeArena struct {
	mem       []byte
	start     uintptr
	cursor    uintptr
	size      int
	remaining int
	codeSize  int

	// The previously created arena, nil for the first one.
	prev *codeArena
}

func (a *codeArena) next() uintptr {
	addr := a.cursor
	a.cursor += uintptr(a.codeSize)
	a.remaining -= a.codeSize
	return addr
}

// ArenaInfo describes one mapped arena.
type ArenaInfo struct {
	Start     uintptr
	Size      int
	Remaining int
}

// Contains reports whether addr lies inside the arena.
func (a ArenaInfo) Contains(addr uintptr) bool {
	return addr >= a.Start && addr < a.Start+uintptr(a.Size)
}

// allocator owns every arena. The newest arena is the only one slots are
// taken from; older ones are kept around until release.
type allocator struct {
	mu sync.Mutex

	mapper   mapper
	template *Template
	size     int
	logger   log.Logger
	metrics  *metrics

	head  *codeArena
	count int
}

func newAllocator(logger log.Logger, m *metrics, mp mapper, t *Template, size int) *allocator {
	return &allocator{
		mapper:   mp,
		template: t,
		size:     size,
		logger:   logger,
		metrics:  m,
	}
}

// acquire returns the address of an unused trampoline, mapping a new arena
// if the current one is full.
func (a *allocator) acquire() (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.head == nil || a.head.remaining < a.template.Size() {
		if err := a.grow(); err != nil {
			return 0, err
		}
	}

	return a.head.next(), nil
}

// ensure maps the first arena if there isn't one yet.
func (a *allocator) ensure() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.head != nil {
		return nil
	}
	return a.grow()
}

func (a *allocator) grow() error {
	mem, err := a.mapper.Map(a.size)
	if err != nil {
		return fmt.Errorf("failed to map code arena: %w", err)
	}
	if len(mem) < a.size {
		err := fmt.Errorf("mapped %d bytes, wanted %d", len(mem), a.size)
		if unmapErr := a.mapper.Unmap(mem); unmapErr != nil {
			err = errors.Join(err, unmapErr)
		}
		return fmt.Errorf("failed to map code arena: %w", err)
	}
	mem = mem[:a.size]

	n := a.template.fill(mem)

	// Some systems refuse to make memory executable on the fly.
	if err := a.mapper.Protect(mem); err != nil {
		if unmapErr := a.mapper.Unmap(mem); unmapErr != nil {
			err = errors.Join(err, unmapErr)
		}
		return fmt.Errorf("failed to make code arena executable: %w", err)
	}

	if a.template.Native() {
		cacheflush(mem)
	}

	start := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	a.head = &codeArena{
		mem:       mem,
		start:     start,
		cursor:    start,
		size:      a.size,
		remaining: a.size,
		codeSize:  a.template.Size(),
		prev:      a.head,
	}
	a.count++

	a.metrics.arenas.Inc()
	a.metrics.arenaBytes.Add(float64(a.size))
	level.Debug(a.logger).Log(
		"msg", "mapped code arena",
		"start", fmt.Sprintf("%#x", start),
		"size", humanize.IBytes(uint64(a.size)),
		"trampolines", n,
		"arenas", a.count,
	)

	return nil
}

// release unmaps every arena, newest first.
func (a *allocator) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for cur := a.head; cur != nil; cur = cur.prev {
		if err := a.mapper.Unmap(cur.mem); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap code arena at %#x: %w", cur.start, err))
		}
		a.metrics.arenaBytes.Sub(float64(cur.size))
		cur.mem = nil
	}

	a.head = nil
	a.count = 0

	return errors.Join(errs...)
}

// arenas lists the arenas, newest first.
func (a *allocator) arenas() []ArenaInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	infos := make([]ArenaInfo, 0, a.count)
	for cur := a.head; cur != nil; cur = cur.prev {
		infos = append(infos, ArenaInfo{
			Start:     cur.start,
			Size:      cur.size,
			Remaining: cur.remaining,
		})
	}
	return infos
}
