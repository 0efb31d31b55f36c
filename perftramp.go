package perftramp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Status is the state of a Trampolines.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusActive
	// StatusFailed sticks until Teardown or AfterForkChild.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Config configures a Trampolines.
type Config struct {
	// Template is copied into every trampoline. Defaults to NativeTemplate.
	Template *Template

	// ArenaSize is the size of each code arena in bytes, rounded up to the
	// page size. Defaults to 16 pages.
	ArenaSize int

	// ReinitAfterFork makes AfterForkChild initialize a new backend state
	// in an active child and register every existing trampoline with it.
	ReinitAfterFork bool

	Logger     log.Logger
	Registerer prometheus.Registerer

	// OnError, if set, is called with every failure reported to the
	// logger. It must not call back into Trampolines.
	OnError func(msg string, err error)

	mapper mapper
}

// Trampolines is the per-process trampoline context. Create one with New,
// set a backend with SetCallbacks and turn it on with Activate.
type Trampolines struct {
	engine   Engine
	logger   log.Logger
	onError  func(string, error)
	metrics  *metrics
	template *Template
	reinit   bool

	alloc *allocator
	cache *slotCache
	reg   *registry
	hook  *interceptor

	status atomic.Int32

	// lifecycle serializes Activate, Teardown and AfterForkChild.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	backend  Backend
	state    any
	hasState bool
}

// New returns an inactive Trampolines for engine. Only one should exist per
// process.
func New(engine Engine, cfg Config) (*Trampolines, error) {
	if engine == nil {
		return nil, errors.New("nil engine")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	tmpl := cfg.Template
	if tmpl == nil {
		var err error
		tmpl, err = NativeTemplate()
		if err != nil {
			return nil, err
		}
	}

	ps := pageSize()
	size := cfg.ArenaSize
	if size <= 0 {
		size = defaultArenaPages * ps
	}
	size = (size + ps - 1) / ps * ps
	if size < tmpl.Size() {
		return nil, fmt.Errorf("arena size %d is smaller than one trampoline (%d bytes)", size, tmpl.Size())
	}

	mp := cfg.mapper
	if mp == nil {
		mp = sysMapper{}
	}

	m := newMetrics(cfg.Registerer)
	t := &Trampolines{
		engine:   engine,
		logger:   logger,
		onError:  cfg.OnError,
		metrics:  m,
		template: tmpl,
		reinit:   cfg.ReinitAfterFork,
		alloc:    newAllocator(logger, m, mp, tmpl, size),
		cache:    newSlotCache(),
		reg:      newRegistry(tmpl.Size()),
	}
	t.hook = &interceptor{t: t}

	return t, nil
}

// SetCallbacks sets the backend that receives trampoline mappings. It must
// be called before Activate. Replacing the backend while it holds state
// would orphan the mappings already written, so that panics with a
// ContractError.
func (t *Trampolines) SetCallbacks(b Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasState {
		panic(&ContractError{Op: "set trampoline callbacks", Err: ErrCallbacksInUse})
	}
	t.backend = b
}

// Activate installs (enable) or removes (!enable) the trampoline
// interceptor.
//
// Enabling maps the first arena and initializes the backend state if
// needed. A failure there leaves the Trampolines failed and the engine
// untouched. Disabling keeps arenas and backend state: functions that
// already have a trampoline keep it.
func (t *Trampolines) Activate(enable bool) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if !enable {
		t.uninstall()
		t.status.CompareAndSwap(int32(StatusActive), int32(StatusUninitialized))
		level.Debug(t.logger).Log("msg", "perf trampolines deactivated")
		return nil
	}

	switch t.Status() {
	case StatusActive:
		return nil
	case StatusFailed:
		return ErrFailed
	}

	if hook := t.engine.EvalHook(); hook != nil && hook != Evaluator(t.hook) {
		return &ContractError{Op: "activate perf trampolines", Err: ErrHookConflict}
	}

	t.mu.RLock()
	hasBackend := t.backend != nil
	t.mu.RUnlock()
	if !hasBackend {
		return ErrNoBackend
	}

	if err := t.alloc.ensure(); err != nil {
		t.metrics.allocFailures.Inc()
		t.status.Store(int32(StatusFailed))
		t.report("failed to create perf trampoline arena", err)
		return err
	}

	fresh, err := t.initState()
	if err != nil {
		t.status.Store(int32(StatusFailed))
		err = fmt.Errorf("failed to initialize trampoline backend: %w", err)
		t.report("failed to initialize perf trampoline backend", err)
		return err
	}
	if fresh {
		// Trampolines created while there was no state, e.g. in a child
		// after fork, were never recorded.
		t.replay()
	}

	t.engine.SetEvalHook(t.hook)
	t.status.Store(int32(StatusActive))
	level.Debug(t.logger).Log("msg", "perf trampolines activated", "code_size", t.template.Size(), "native", t.template.Native())

	return nil
}

// IsActive reports whether the interceptor is installed and working.
func (t *Trampolines) IsActive() bool {
	return t.Status() == StatusActive && t.engine.EvalHook() == Evaluator(t.hook)
}

func (t *Trampolines) Status() Status {
	return Status(t.status.Load())
}

// Teardown unmaps every arena, frees the backend state and returns to the
// uninitialized state. Descriptors forget their trampolines. The caller
// must make sure no interpreted code runs concurrently.
func (t *Trampolines) Teardown() error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.uninstall()

	// The arenas are going away, so no descriptor may keep pointing into
	// them.
	for _, e := range t.reg.entries() {
		t.cache.forget(e.code)
	}
	t.cache.reset()
	t.reg.reset()

	var errs []error
	if err := t.alloc.release(); err != nil {
		errs = append(errs, err)
	}
	if err := t.freeState(); err != nil {
		errs = append(errs, err)
	}

	t.status.Store(int32(StatusUninitialized))
	level.Debug(t.logger).Log("msg", "perf trampolines torn down")

	return errors.Join(errs...)
}

// AfterForkChild must be called in a child process right after fork,
// before any interpreted code runs. It frees the backend state inherited
// from the parent. Arenas and assigned trampolines stay: they're valid code
// in the child too.
func (t *Trampolines) AfterForkChild() error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	err := t.freeState()

	t.status.CompareAndSwap(int32(StatusFailed), int32(StatusUninitialized))

	if t.Status() != StatusActive || !t.reinit {
		return err
	}

	if _, initErr := t.initState(); initErr != nil {
		initErr = fmt.Errorf("failed to initialize trampoline backend in child: %w", initErr)
		t.report("failed to initialize perf trampoline backend after fork", initErr)
		return errors.Join(err, initErr)
	}
	t.replay()

	return err
}

// Trampoline returns the trampoline address assigned to code, if any.
func (t *Trampolines) Trampoline(code Code) (uintptr, bool) {
	addr := t.cache.load(code)
	return addr, addr != 0
}

// Lookup returns the descriptor whose trampoline contains pc.
func (t *Trampolines) Lookup(pc uintptr) (Code, bool) {
	return t.reg.lookup(pc)
}

// CodeSize returns the size of one trampoline.
func (t *Trampolines) CodeSize() int {
	return t.template.Size()
}

// Arenas describes the mapped arenas, newest first.
func (t *Trampolines) Arenas() []ArenaInfo {
	return t.alloc.arenas()
}

// Stats summarizes what's been allocated.
type Stats struct {
	Arenas      int
	Trampolines int
	BytesMapped int
}

func (t *Trampolines) Stats() Stats {
	arenas := t.alloc.arenas()
	s := Stats{
		Arenas:      len(arenas),
		Trampolines: t.reg.len(),
	}
	for _, a := range arenas {
		s.BytesMapped += a.Size
	}
	return s
}

// Len returns the number of functions with a trampoline.
func (t *Trampolines) Len() int {
	return t.reg.len()
}

func (t *Trampolines) uninstall() {
	if t.engine.EvalHook() == Evaluator(t.hook) {
		t.engine.SetEvalHook(nil)
	}
}

// initState creates the backend state if there isn't one. fresh is true
// when a new state was created.
func (t *Trampolines) initState() (fresh bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasState {
		return false, nil
	}
	if t.backend == nil {
		return false, ErrNoBackend
	}

	state, err := t.backend.InitState()
	if err != nil {
		return false, err
	}
	t.state = state
	t.hasState = true
	return true, nil
}

// replay writes every registered trampoline to the current state, in
// address order.
func (t *Trampolines) replay() {
	entries := t.reg.entries()
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		t.write(e.addr, e.code)
	}
	level.Debug(t.logger).Log("msg", "re-registered perf trampolines", "trampolines", len(entries))
}

func (t *Trampolines) freeState() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasState {
		return nil
	}

	err := t.backend.FreeState(t.state)
	t.state = nil
	t.hasState = false
	if err != nil {
		return fmt.Errorf("failed to free trampoline backend state: %w", err)
	}
	return nil
}

// fail marks t failed and reports err. Only the first failure is reported.
func (t *Trampolines) fail(msg string, err error) {
	if t.status.CompareAndSwap(int32(StatusActive), int32(StatusFailed)) {
		t.report(msg, err)
	}
}

func (t *Trampolines) report(msg string, err error) {
	level.Error(t.logger).Log("msg", msg, "err", err)
	if t.onError != nil {
		t.onError(msg, err)
	}
}
