// Package interp is a tiny tree-walking host for Go closures. It has the
// shape perftramp expects from a real interpreter: function descriptors,
// frames, one dispatch routine and a replaceable evaluation hook.
package interp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/pboyd/perftramp"
)

// ErrRecursion is returned when calls nest deeper than MaxDepth.
var ErrRecursion = errors.New("maximum recursion depth exceeded")

// DefaultMaxDepth limits call nesting.
const DefaultMaxDepth = 1000

// Body is a function's implementation.
type Body func(ctx context.Context, f *Frame) (any, error)

// Func is a function descriptor. Funcs must not be copied after first use.
type Func struct {
	// Name is the qualified name, e.g. "Outer.method".
	Name string
	File string
	Body Body

	slot atomic.Uintptr
}

var (
	_ perftramp.Code       = (*Func)(nil)
	_ perftramp.SlotHolder = (*Func)(nil)
)

func (fn *Func) QualName() (string, error) {
	if fn.Name == "" {
		return "", errors.New("function has no name")
	}
	return fn.Name, nil
}

func (fn *Func) Filename() (string, error) {
	if fn.File == "" {
		return "", fmt.Errorf("%s: no source file", fn.Name)
	}
	return fn.File, nil
}

func (fn *Func) TrampolineSlot() *atomic.Uintptr {
	return &fn.slot
}

// Frame is one activation of a Func.
type Frame struct {
	Func *Func
	Args []any

	// Err is the error being thrown into the frame when it's resumed with
	// throwflag set.
	Err error

	interp *Interpreter
	depth  int
}

func (f *Frame) Code() perftramp.Code {
	if f.Func == nil {
		return nil
	}
	return f.Func
}

// Call calls fn from inside f.
func (f *Frame) Call(ctx context.Context, fn *Func, args ...any) (any, error) {
	return f.interp.eval(ctx, &Frame{
		Func:   fn,
		Args:   args,
		interp: f.interp,
		depth:  f.depth + 1,
	}, false)
}

// Interpreter runs Funcs. It's safe for concurrent use.
type Interpreter struct {
	MaxDepth int

	calls atomic.Int64

	mu   sync.RWMutex
	hook perftramp.Evaluator
}

var _ perftramp.Engine = (*Interpreter)(nil)

func New() *Interpreter {
	return &Interpreter{MaxDepth: DefaultMaxDepth}
}

// Call runs fn at the top level.
func (in *Interpreter) Call(ctx context.Context, fn *Func, args ...any) (any, error) {
	return in.eval(ctx, &Frame{Func: fn, Args: args, interp: in}, false)
}

// Throw resumes fn with err raised inside it. A Body sees the error in
// Frame.Err.
func (in *Interpreter) Throw(ctx context.Context, fn *Func, err error) (any, error) {
	return in.eval(ctx, &Frame{Func: fn, Err: err, interp: in}, true)
}

// Calls returns the number of activations dispatched.
func (in *Interpreter) Calls() int64 {
	return in.calls.Load()
}

func (in *Interpreter) eval(ctx context.Context, f *Frame, throwflag bool) (any, error) {
	if hook := in.EvalHook(); hook != nil {
		return hook.Eval(ctx, f, throwflag)
	}
	return in.Dispatch(ctx, f, throwflag)
}

// Dispatch is the interpreter's one dispatch routine.
func (in *Interpreter) Dispatch(ctx context.Context, frame perftramp.Frame, throwflag bool) (any, error) {
	f, ok := frame.(*Frame)
	if !ok {
		return nil, fmt.Errorf("unexpected frame type %T", frame)
	}
	if f.Func == nil || f.Func.Body == nil {
		return nil, errors.New("frame has no function")
	}

	limit := in.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxDepth
	}
	if f.depth >= limit {
		return nil, fmt.Errorf("%s: %w", f.Func.Name, ErrRecursion)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in.calls.Inc()

	if throwflag && f.Err == nil {
		f.Err = errors.New("thrown without an error")
	}
	return f.Func.Body(ctx, f)
}

func (in *Interpreter) EvalHook() perftramp.Evaluator {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.hook
}

func (in *Interpreter) SetEvalHook(hook perftramp.Evaluator) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hook = hook
}
