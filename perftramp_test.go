package perftramp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNew(t *testing.T) {
	t.Run("nil engine", func(t *testing.T) {
		_, err := New(nil, Config{})
		assert.Error(t, err)
	})

	t.Run("arena rounded up to a page", func(t *testing.T) {
		tr, err := New(&testEngine{}, Config{Template: testTemplate(t, 16), ArenaSize: 1, mapper: &testMapper{}})
		require.NoError(t, err)
		assert.Equal(t, pageSize(), tr.alloc.size)
	})

	t.Run("template bigger than the arena", func(t *testing.T) {
		_, err := New(&testEngine{}, Config{Template: testTemplate(t, pageSize()+1), ArenaSize: pageSize()})
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		tr, err := New(&testEngine{}, Config{Template: testTemplate(t, 16)})
		require.NoError(t, err)
		assert.Equal(t, defaultArenaPages*pageSize(), tr.alloc.size)
		assert.Equal(t, StatusUninitialized, tr.Status())
		assert.False(t, tr.IsActive())
	})
}

func TestDistinctAddresses(t *testing.T) {
	assert := assert.New(t)

	tr, engine, backend, _ := newTest(t, Config{})

	codes := []*testCode{
		{name: "foo", file: "m.src"},
		{name: "bar", file: "m.src"},
		{name: "baz", file: "m.src"},
	}
	addrs := map[uintptr]string{}
	for _, c := range codes {
		v, err := engine.call(c)
		assert.NoError(err)
		assert.Equal(c.name, v)

		addr, ok := tr.Trampoline(c)
		assert.True(ok)
		addrs[addr] = c.name
	}
	assert.Len(addrs, 3)

	arena := tr.Arenas()[0]
	for addr, name := range addrs {
		assert.True(arena.Contains(addr))
		assert.Zero((addr - arena.Start) % uintptr(tr.CodeSize()))

		code, ok := tr.Lookup(addr + uintptr(tr.CodeSize()) - 1)
		if assert.True(ok) {
			got, _ := code.QualName()
			assert.Equal(name, got)
		}
	}

	want := []write{
		{Size: 16, Name: "foo", File: "m.src"},
		{Size: 16, Name: "bar", File: "m.src"},
		{Size: 16, Name: "baz", File: "m.src"},
	}
	assert.Empty(cmp.Diff(want, backend.written(), cmpopts.IgnoreFields(write{}, "Addr")))

	_, ok := tr.Lookup(arena.Start + uintptr(arena.Size) - 1)
	assert.False(ok)
}

func TestIdempotent(t *testing.T) {
	assert := assert.New(t)

	tr, engine, backend, _ := newTest(t, Config{})

	side := &testCode{name: "side", file: "m.src"}
	own := &slotCode{testCode: testCode{name: "own", file: "m.src"}}

	for i := 0; i < 5; i++ {
		_, err := engine.call(side)
		assert.NoError(err)
		_, err = engine.call(own)
		assert.NoError(err)
	}

	assert.Len(backend.written(), 2)
	assert.Equal(2, tr.Len())
	assert.NotZero(own.slot.Load())

	addr, ok := tr.Trampoline(own)
	assert.True(ok)
	assert.Equal(own.slot.Load(), addr)
	assert.Equal(int64(10), engine.dispatches.Load())
}

func TestArenaExhaustion(t *testing.T) {
	assert := assert.New(t)

	ps := pageSize()
	tr, engine, backend, mp := newTest(t, Config{Template: testTemplate(t, 64), ArenaSize: ps})

	k := ps / 64
	for i := 0; i < k; i++ {
		_, err := engine.call(&testCode{name: fmt.Sprint("f", i), file: "m.src"})
		assert.NoError(err)
	}
	assert.Len(tr.Arenas(), 1)

	_, err := engine.call(&testCode{name: "one more", file: "m.src"})
	assert.NoError(err)
	assert.Len(tr.Arenas(), 2)
	assert.Equal(2, mp.maps)
	assert.Len(backend.written(), k+1)
	assert.Equal(Stats{Arenas: 2, Trampolines: k + 1, BytesMapped: 2 * ps}, tr.Stats())
}

func TestAllocationFailure(t *testing.T) {
	assert := assert.New(t)

	var reported []error
	mp := &testMapper{}
	tr, engine, backend, _ := newTest(t, Config{
		Template:  testTemplate(t, 64),
		ArenaSize: pageSize(),
		mapper:    mp,
		OnError: func(_ string, err error) {
			reported = append(reported, err)
		},
	})

	// Fill the first arena, then make the next one fail.
	for i := 0; i < pageSize()/64; i++ {
		_, err := engine.call(&testCode{name: fmt.Sprint("f", i), file: "m.src"})
		assert.NoError(err)
	}
	boom := errors.New("out of memory")
	mp.mapErr = boom

	v, err := engine.call(&testCode{name: "late", file: "m.src"})
	assert.NoError(err)
	assert.Equal("late", v)
	assert.Equal(StatusFailed, tr.Status())
	assert.False(tr.IsActive())

	// Everything keeps working, without further attempts.
	for i := 0; i < 3; i++ {
		v, err := engine.call(&testCode{name: "later", file: "m.src"})
		assert.NoError(err)
		assert.Equal("later", v)
	}
	assert.Equal(1, mp.maps)
	if assert.Len(reported, 1) {
		assert.ErrorIs(reported[0], boom)
	}
	assert.Len(backend.written(), pageSize()/64)

	assert.ErrorIs(tr.Activate(true), ErrFailed)

	// Teardown clears the failure.
	assert.NoError(tr.Teardown())
	assert.Equal(StatusUninitialized, tr.Status())
	mp.mapErr = nil
	assert.NoError(tr.Activate(true))
}

func TestActivate_MapFailure(t *testing.T) {
	assert := assert.New(t)

	engine := &testEngine{}
	backend := &testBackend{}
	mp := &testMapper{protectErr: errors.New("no exec")}

	tr, err := New(engine, Config{Template: testTemplate(t, 16), mapper: mp})
	require.NoError(t, err)
	tr.SetCallbacks(backend)

	assert.Error(tr.Activate(true))
	assert.Equal(StatusFailed, tr.Status())
	assert.Nil(engine.EvalHook())
	assert.Zero(backend.inits)

	v, err := engine.call(&testCode{name: "foo"})
	assert.NoError(err)
	assert.Equal("foo", v)
	assert.NoError(tr.Teardown())
}

func TestActivate_InitFailure(t *testing.T) {
	assert := assert.New(t)

	engine := &testEngine{}
	boom := errors.New("no perf map")
	backend := &testBackend{initErr: boom}

	tr, err := New(engine, Config{Template: testTemplate(t, 16), mapper: &testMapper{}})
	require.NoError(t, err)
	tr.SetCallbacks(backend)

	err = tr.Activate(true)
	assert.ErrorIs(err, boom)
	assert.Equal(StatusFailed, tr.Status())
	assert.Nil(engine.EvalHook())
	assert.NoError(tr.Teardown())
}

func TestActivate_NoBackend(t *testing.T) {
	tr, err := New(&testEngine{}, Config{Template: testTemplate(t, 16), mapper: &testMapper{}})
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Activate(true), ErrNoBackend)
	assert.Equal(t, StatusUninitialized, tr.Status())
}

type otherHook struct{}

func (otherHook) Eval(context.Context, Frame, bool) (any, error) { return nil, nil }

func TestActivate_HookConflict(t *testing.T) {
	assert := assert.New(t)

	engine := &testEngine{}
	engine.SetEvalHook(otherHook{})

	tr, err := New(engine, Config{Template: testTemplate(t, 16), mapper: &testMapper{}})
	require.NoError(t, err)
	tr.SetCallbacks(&testBackend{})

	err = tr.Activate(true)
	assert.ErrorIs(err, ErrHookConflict)
	assert.ErrorIs(err, ErrContractViolation)

	var ce *ContractError
	assert.ErrorAs(err, &ce)
	assert.Equal(otherHook{}, engine.EvalHook())
	assert.Equal(StatusUninitialized, tr.Status())
	assert.Empty(tr.Arenas())
}

func TestSetCallbacks_InUse(t *testing.T) {
	tr, _, _, _ := newTest(t, Config{})

	assert.PanicsWithError(t, "set trampoline callbacks: "+ErrCallbacksInUse.Error(), func() {
		tr.SetCallbacks(&testBackend{})
	})

	defer func() {
		err, _ := recover().(error)
		assert.ErrorIs(t, err, ErrContractViolation)
		assert.ErrorIs(t, err, ErrCallbacksInUse)
	}()
	tr.SetCallbacks(nil)
}

func TestActivateToggle(t *testing.T) {
	assert := assert.New(t)

	tr, engine, backend, _ := newTest(t, Config{})
	foo := &testCode{name: "foo"}

	assert.True(tr.IsActive())
	assert.NoError(tr.Activate(true))
	assert.Equal(1, backend.inits)

	_, err := engine.call(foo)
	assert.NoError(err)
	addr, _ := tr.Trampoline(foo)

	assert.NoError(tr.Activate(false))
	assert.False(tr.IsActive())
	assert.Nil(engine.EvalHook())

	// Calls go straight to dispatch now.
	_, err = engine.call(&testCode{name: "bar"})
	assert.NoError(err)
	assert.Equal(1, tr.Len())

	// Arena, state and slots all survive.
	assert.NoError(tr.Activate(true))
	assert.Equal(1, backend.inits)
	assert.Len(tr.Arenas(), 1)
	again, ok := tr.Trampoline(foo)
	assert.True(ok)
	assert.Equal(addr, again)
}

func TestInactiveHookFallsBack(t *testing.T) {
	assert := assert.New(t)

	reg := prometheus.NewRegistry()
	tr, engine, _, _ := newTest(t, Config{Registerer: reg})

	// A stale reference to the hook keeps working after deactivation.
	hook := engine.EvalHook()
	assert.NoError(tr.Activate(false))

	v, err := hook.Eval(context.Background(), &testFrame{code: &testCode{name: "foo"}}, false)
	assert.NoError(err)
	assert.Equal("foo", v)
	assert.Zero(tr.Len())

	v, err = hook.Eval(context.Background(), &testFrame{}, false)
	assert.NoError(err)
	assert.Equal("<nil>", v)

	assert.Equal(2.0, testutil.ToFloat64(tr.metrics.fallback))
	assert.Zero(testutil.ToFloat64(tr.metrics.viaTrampoline))
}

func TestThrowflag(t *testing.T) {
	tr, _, _, _ := newTest(t, Config{})

	_, err := tr.hook.Eval(context.Background(), &testFrame{code: &testCode{name: "gen"}}, true)
	assert.ErrorIs(t, err, errThrown)
	assert.Equal(t, 1, tr.Len())
}

func TestTeardown(t *testing.T) {
	assert := assert.New(t)

	engine := &testEngine{}
	backend := &testBackend{}
	mp := &testMapper{}

	tr, err := New(engine, Config{Template: testTemplate(t, 64), ArenaSize: pageSize(), mapper: mp})
	require.NoError(t, err)
	tr.SetCallbacks(backend)
	require.NoError(t, tr.Activate(true))

	own := &slotCode{testCode: testCode{name: "own"}}
	side := &testCode{name: "side"}
	_, err = engine.call(own)
	assert.NoError(err)
	_, err = engine.call(side)
	assert.NoError(err)
	for i := 0; i < pageSize()/64; i++ {
		_, err := engine.call(&testCode{name: fmt.Sprint("f", i)})
		assert.NoError(err)
	}
	assert.Len(tr.Arenas(), 2)

	assert.NoError(tr.Teardown())
	assert.Equal(StatusUninitialized, tr.Status())
	assert.Nil(engine.EvalHook())
	assert.Empty(tr.Arenas())
	assert.Len(mp.unmapped, 2)
	assert.Equal([]any{1}, backend.frees)
	assert.Zero(tr.Len())
	assert.Zero(own.slot.Load())
	_, ok := tr.Trampoline(side)
	assert.False(ok)

	// Callbacks may be replaced once the state is gone.
	backend2 := &testBackend{}
	assert.NotPanics(func() { tr.SetCallbacks(backend2) })

	// A second teardown has nothing left to release.
	assert.NoError(tr.Teardown())
	assert.Len(mp.unmapped, 2)

	// And a fresh activation starts over.
	assert.NoError(tr.Activate(true))
	assert.Len(tr.Arenas(), 1)
	_, err = engine.call(own)
	assert.NoError(err)
	assert.Len(backend2.written(), 1)
}

func TestAfterForkChild(t *testing.T) {
	assert := assert.New(t)

	tr, engine, backend, _ := newTest(t, Config{})
	foo := &slotCode{testCode: testCode{name: "foo"}}
	_, err := engine.call(foo)
	assert.NoError(err)
	addr := foo.slot.Load()

	assert.NoError(tr.AfterForkChild())
	assert.Equal([]any{1}, backend.frees)

	// Existing trampolines still work, but nothing is written until the
	// state comes back.
	_, err = engine.call(foo)
	assert.NoError(err)
	assert.Equal(addr, foo.slot.Load())
	_, err = engine.call(&testCode{name: "bar"})
	assert.NoError(err)
	assert.Len(backend.written(), 1)
	assert.Equal(2, tr.Len())

	// A second call has no state to free.
	assert.NoError(tr.AfterForkChild())
	assert.Len(backend.frees, 1)
	assert.Len(tr.Arenas(), 1)
}

func TestAfterForkChild_Reinit(t *testing.T) {
	assert := assert.New(t)

	tr, engine, backend, _ := newTest(t, Config{ReinitAfterFork: true})
	for _, name := range []string{"foo", "bar", "baz"} {
		_, err := engine.call(&testCode{name: name})
		assert.NoError(err)
	}

	assert.NoError(tr.AfterForkChild())
	assert.Equal(2, backend.inits)

	// Three original writes plus the same three replayed in address order.
	writes := backend.written()
	require.Len(t, writes, 6)
	assert.Equal(writes[:3], writes[3:])
}

func TestAfterForkChild_ReactivateReplays(t *testing.T) {
	assert := assert.New(t)

	tr, engine, backend, _ := newTest(t, Config{})
	_, err := engine.call(&testCode{name: "foo"})
	assert.NoError(err)

	assert.NoError(tr.AfterForkChild())

	// Created with no state, so not written anywhere yet.
	_, err = engine.call(&testCode{name: "bar"})
	assert.NoError(err)
	assert.Len(backend.written(), 1)

	assert.NoError(tr.Activate(false))
	assert.NoError(tr.Activate(true))
	assert.Equal(2, backend.inits)

	var names []string
	for _, w := range backend.written() {
		names = append(names, w.Name)
	}
	assert.Equal([]string{"foo", "foo", "bar"}, names)

	// A state that already exists isn't replayed into again.
	assert.NoError(tr.Activate(false))
	assert.NoError(tr.Activate(true))
	assert.Len(backend.written(), 3)
}

func TestAfterForkChild_Failed(t *testing.T) {
	assert := assert.New(t)

	mp := &testMapper{}
	tr, engine, _, _ := newTest(t, Config{Template: testTemplate(t, 64), ArenaSize: pageSize(), mapper: mp})
	for i := 0; i <= pageSize()/64; i++ {
		if i == pageSize()/64 {
			mp.mapErr = errors.New("boom")
		}
		_, err := engine.call(&testCode{name: fmt.Sprint("f", i)})
		assert.NoError(err)
	}
	assert.Equal(StatusFailed, tr.Status())

	assert.NoError(tr.AfterForkChild())
	assert.Equal(StatusUninitialized, tr.Status())
}

func TestConcurrentDispatch(t *testing.T) {
	tr, engine, backend, _ := newTest(t, Config{})

	codes := make([]*slotCode, 16)
	side := make([]*testCode, 16)
	for i := range codes {
		codes[i] = &slotCode{testCode: testCode{name: fmt.Sprint("own", i)}}
		side[i] = &testCode{name: fmt.Sprint("side", i)}
	}

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				for j := range codes {
					if _, err := engine.call(codes[j]); err != nil {
						return err
					}
					if _, err := engine.call(side[j]); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 32, tr.Len())

	addrs := map[uintptr]bool{}
	for i := range codes {
		addrs[codes[i].slot.Load()] = true
		addr, ok := tr.Trampoline(side[i])
		require.True(t, ok)
		addrs[addr] = true
	}
	assert.Len(t, addrs, 32)

	// Losers of a publication race may write first, so there can be more
	// writes than trampolines, but every published one was written.
	written := map[uintptr]bool{}
	for _, w := range backend.written() {
		written[w.Addr] = true
	}
	for addr := range addrs {
		assert.True(t, written[addr])
	}
}

func TestMetrics(t *testing.T) {
	assert := assert.New(t)

	reg := prometheus.NewRegistry()
	tr, engine, _, _ := newTest(t, Config{Registerer: reg})

	foo := &testCode{name: "foo"}
	for i := 0; i < 3; i++ {
		_, err := engine.call(foo)
		assert.NoError(err)
	}
	_, err := engine.call(&testCode{name: "bar"})
	assert.NoError(err)

	assert.Equal(2.0, testutil.ToFloat64(tr.metrics.trampolines))
	assert.Equal(4.0, testutil.ToFloat64(tr.metrics.viaTrampoline))
	assert.Equal(1.0, testutil.ToFloat64(tr.metrics.arenas))
	assert.Equal(float64(defaultArenaPages*pageSize()), testutil.ToFloat64(tr.metrics.arenaBytes))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(err)
	assert.Equal(6, n)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "uninitialized", StatusUninitialized.String())
	assert.Equal(t, "active", StatusActive.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "Status(7)", Status(7).String())
}
