//go:build cgo && unix && (amd64 || arm64)

package perftramp

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"runtime/cgo"
)

const nativeCalls = true

// activation carries one dispatch across the C boundary. Only a handle to
// it is passed through the trampoline.
type activation struct {
	eval  EvalFunc
	ctx   context.Context
	frame Frame

	result any
	err    error

	panicked   bool
	panicValue any
}

// perftrampEval is what every trampoline calls. act is the handle passed to
// the trampoline and tramp the trampoline's own address.
//
//export perftrampEval
func perftrampEval(act C.uintptr_t, tramp C.uintptr_t, throwflag C.int) C.uintptr_t {
	a := cgo.Handle(act).Value().(*activation)

	// Panics are carried back to the Go side and re-raised there rather
	// than unwound through the trampoline.
	a.panicked = true
	defer func() {
		if a.panicked {
			a.panicValue = recover()
		}
	}()

	a.result, a.err = a.eval(a.ctx, a.frame, throwflag != 0)
	a.panicked = false
	return tramp
}
