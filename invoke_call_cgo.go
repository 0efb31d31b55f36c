//go:build cgo && unix && (amd64 || arm64)

package perftramp

/*
#include <stdint.h>

extern uintptr_t perftrampEval(uintptr_t act, uintptr_t tramp, int throwflag);

typedef uintptr_t (*perftramp_eval_fn)(uintptr_t, uintptr_t, int);
typedef uintptr_t (*perftramp_fn)(uintptr_t, uintptr_t, int, perftramp_eval_fn);

static uintptr_t perftramp_call(uintptr_t tramp, uintptr_t act, int throwflag) {
	return ((perftramp_fn)tramp)(act, tramp, throwflag, perftrampEval);
}

// A no-op on amd64, where instruction fetch sees data writes.
static void perftramp_flush(uintptr_t start, uintptr_t end) {
	__builtin___clear_cache((char *)start, (char *)end);
}
*/
import "C"

import (
	"context"
	"runtime/cgo"
	"unsafe"
)

// callTrampoline runs eval through the native trampoline at tramp, so the
// trampoline sits between this goroutine's C call and the Go callback on the
// native stack.
func callTrampoline(tramp uintptr, native bool, eval EvalFunc, ctx context.Context, frame Frame, throwflag bool) (any, error) {
	if !native {
		return eval(ctx, frame, throwflag)
	}

	a := &activation{
		eval:  eval,
		ctx:   ctx,
		frame: frame,
	}
	h := cgo.NewHandle(a)
	defer h.Delete()

	var tf C.int
	if throwflag {
		tf = 1
	}
	C.perftramp_call(C.uintptr_t(tramp), C.uintptr_t(h), tf)

	if a.panicked {
		panic(a.panicValue)
	}
	return a.result, a.err
}

// cacheflush makes freshly written trampolines visible to instruction
// fetch.
func cacheflush(buf []byte) {
	start := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	C.perftramp_flush(C.uintptr_t(start), C.uintptr_t(start+uintptr(len(buf))))
}
