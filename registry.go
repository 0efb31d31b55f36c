package perftramp

import (
	"sync"

	"github.com/google/btree"
)

type registryEntry struct {
	addr uintptr
	code Code
}

// registry records every published trampoline in address order. It's what
// AfterForkChild replays into a fresh backend and what Teardown walks to
// clear descriptor slots.
type registry struct {
	mu       sync.Mutex
	tree     *btree.BTreeG[registryEntry]
	codeSize int
}

func newRegistry(codeSize int) *registry {
	return &registry{
		tree: btree.NewG[registryEntry](16, func(a, b registryEntry) bool {
			return a.addr < b.addr
		}),
		codeSize: codeSize,
	}
}

func (r *registry) add(addr uintptr, code Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.ReplaceOrInsert(registryEntry{addr: addr, code: code})
}

// lookup finds the descriptor whose trampoline contains pc.
func (r *registry) lookup(pc uintptr) (Code, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found registryEntry
		ok    bool
	)
	r.tree.DescendLessOrEqual(registryEntry{addr: pc}, func(e registryEntry) bool {
		found, ok = e, true
		return false
	})
	if !ok || pc >= found.addr+uintptr(r.codeSize) {
		return nil, false
	}
	return found.code, true
}

// entries returns a snapshot in address order so callers can do slow work
// without holding the lock.
func (r *registry) entries() []registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]registryEntry, 0, r.tree.Len())
	r.tree.Ascend(func(e registryEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Clear(false)
}
