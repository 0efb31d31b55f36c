package perftramp

import (
	"context"

	"go.uber.org/atomic"
)

// Code describes one interpreted function. Implementations must be
// comparable (typically a pointer) and keep their identity for as long as
// the function can run.
type Code interface {
	QualName() (string, error)
	Filename() (string, error)
}

// SlotHolder is implemented by descriptors that carry their own trampoline
// slot. Descriptors without one get an entry in a side table instead.
type SlotHolder interface {
	TrampolineSlot() *atomic.Uintptr
}

// Frame is one interpreted activation.
type Frame interface {
	Code() Code
}

// EvalFunc runs one interpreted activation. ctx carries whatever per-thread
// state the engine needs.
type EvalFunc func(ctx context.Context, frame Frame, throwflag bool) (any, error)

// Evaluator is a hook an engine calls instead of its dispatch routine.
type Evaluator interface {
	Eval(ctx context.Context, frame Frame, throwflag bool) (any, error)
}

// Engine is the interpreter the trampolines are installed into.
type Engine interface {
	// Dispatch is the engine's own dispatch routine.
	Dispatch(ctx context.Context, frame Frame, throwflag bool) (any, error)

	// EvalHook returns the installed hook, or nil when activations go
	// straight to Dispatch.
	EvalHook() Evaluator

	// SetEvalHook installs hook. nil restores the default path.
	SetEvalHook(hook Evaluator)
}
