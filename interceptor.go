package perftramp

import (
	"context"
)

// interceptor is the hook installed into the engine. Every activation of a
// function goes through that function's trampoline.
type interceptor struct {
	t *Trampolines
}

func (i *interceptor) Eval(ctx context.Context, frame Frame, throwflag bool) (any, error) {
	t := i.t

	if t.Status() != StatusActive {
		t.metrics.fallback.Inc()
		return t.engine.Dispatch(ctx, frame, throwflag)
	}

	code := frame.Code()
	if code == nil {
		t.metrics.fallback.Inc()
		return t.engine.Dispatch(ctx, frame, throwflag)
	}

	addr, ok := t.resolve(code)
	if !ok {
		t.metrics.fallback.Inc()
		return t.engine.Dispatch(ctx, frame, throwflag)
	}

	t.metrics.viaTrampoline.Inc()
	return callTrampoline(addr, t.template.Native(), t.engine.Dispatch, ctx, frame, throwflag)
}

// resolve returns the trampoline for code, creating one on first use. The
// mapping is written to the backend before the address is published, so a
// profiler never sees a trampoline it can't name.
func (t *Trampolines) resolve(code Code) (uintptr, bool) {
	if addr := t.cache.load(code); addr != 0 {
		return addr, true
	}

	addr, err := t.alloc.acquire()
	if err != nil {
		t.metrics.allocFailures.Inc()
		t.fail("failed to allocate perf trampoline", err)
		return 0, false
	}

	t.write(addr, code)

	actual, won := t.cache.publish(code, addr)
	if won {
		t.reg.add(addr, code)
		t.metrics.trampolines.Inc()
	}
	return actual, true
}

// write records one mapping. No lock is held while the backend runs.
func (t *Trampolines) write(addr uintptr, code Code) {
	t.mu.RLock()
	backend, state, ok := t.backend, t.state, t.hasState
	t.mu.RUnlock()

	if !ok || backend == nil {
		return
	}
	backend.WriteState(state, addr, t.template.Size(), code)
}
