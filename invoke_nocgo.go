//go:build !(cgo && unix && (amd64 || arm64))

package perftramp

import "context"

// Trampolines can't be entered without cgo, so they are only allocated and
// registered.
const nativeCalls = false

func callTrampoline(_ uintptr, _ bool, eval EvalFunc, ctx context.Context, frame Frame, throwflag bool) (any, error) {
	return eval(ctx, frame, throwflag)
}

// Nothing is ever executed, so there's nothing to flush.
func cacheflush([]byte) {}
