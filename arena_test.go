package perftramp

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, mp *testMapper, tmpl *Template, size int) (*allocator, *metrics) {
	m := newMetrics(prometheus.NewRegistry())
	return newAllocator(log.NewNopLogger(), m, mp, tmpl, size), m
}

func TestAllocator(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ps := pageSize()
	tmpl := testTemplate(t, 64)
	mp := &testMapper{}
	a, m := newTestAllocator(t, mp, tmpl, ps)

	k := ps / 64
	seen := map[uintptr]bool{}
	for i := 0; i < k; i++ {
		addr, err := a.acquire()
		require.NoError(err)
		assert.False(seen[addr])
		seen[addr] = true
	}

	arenas := a.arenas()
	require.Len(arenas, 1)
	assert.Equal(0, arenas[0].Remaining)
	for addr := range seen {
		assert.True(arenas[0].Contains(addr))
		assert.Zero((addr - arenas[0].Start) % 64)
	}

	// One more spills into a second arena.
	addr, err := a.acquire()
	require.NoError(err)
	arenas = a.arenas()
	require.Len(arenas, 2)
	assert.Equal(arenas[0].Start, addr)
	assert.Equal(ps-64, arenas[0].Remaining)
	assert.False(arenas[1].Contains(addr))

	assert.Equal(2, mp.maps)
	assert.Equal(2, mp.protects)
	assert.Equal(2.0, testutil.ToFloat64(m.arenas))
	assert.Equal(float64(2*ps), testutil.ToFloat64(m.arenaBytes))

	newest, oldest := a.head.mem, a.head.prev.mem
	require.NoError(a.release())
	assert.Empty(a.arenas())
	require.Len(mp.unmapped, 2)
	assert.Same(unsafe.SliceData(newest), unsafe.SliceData(mp.unmapped[0]))
	assert.Same(unsafe.SliceData(oldest), unsafe.SliceData(mp.unmapped[1]))
	assert.Zero(testutil.ToFloat64(m.arenaBytes))
}

func TestAllocator_Contents(t *testing.T) {
	assert := assert.New(t)

	ps := pageSize()
	tmpl := testTemplate(t, 48)
	a, _ := newTestAllocator(t, &testMapper{}, tmpl, ps)
	require.NoError(t, a.ensure())

	mem := a.head.mem
	n := ps / 48
	for i := 0; i < n; i++ {
		assert.Equal(tmpl.code, mem[i*48:(i+1)*48])
	}
	assert.Equal(bytes.Repeat([]byte{0xee}, ps-n*48), mem[n*48:])

	// ensure doesn't map again.
	require.NoError(t, a.ensure())
	assert.Len(a.arenas(), 1)

	// The short tail is never handed out.
	for i := 0; i < n; i++ {
		_, err := a.acquire()
		require.NoError(t, err)
	}
	assert.Len(a.arenas(), 1)
	assert.Equal(ps-n*48, a.head.remaining)

	_, err := a.acquire()
	require.NoError(t, err)
	assert.Len(a.arenas(), 2)

	require.NoError(t, a.release())
}

func TestAllocator_MapFailure(t *testing.T) {
	boom := errors.New("no memory")
	mp := &testMapper{mapErr: boom}
	a, _ := newTestAllocator(t, mp, testTemplate(t, 16), pageSize())

	_, err := a.acquire()
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, a.arenas())
}

func TestAllocator_ProtectFailure(t *testing.T) {
	boom := errors.New("W^X")
	mp := &testMapper{protectErr: boom}
	a, _ := newTestAllocator(t, mp, testTemplate(t, 16), pageSize())

	_, err := a.acquire()
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, a.arenas())
	assert.Len(t, mp.unmapped, 1)
}

func TestAllocator_RealMemory(t *testing.T) {
	tmpl, err := NativeTemplate()
	if err != nil {
		t.Skip(err)
	}

	a, _ := newTestAllocator(t, nil, tmpl, pageSize())
	a.mapper = sysMapper{}

	addr, err := a.acquire()
	require.NoError(t, err)

	// The arena is readable after it's been made executable.
	code := unsafe.Slice((*byte)(unsafe.Pointer(addr)), tmpl.Size())
	assert.Equal(t, tmpl.code, code)

	require.NoError(t, a.release())
}
