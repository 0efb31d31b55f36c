package perftramp

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// slotCache remembers which trampoline each descriptor got. Descriptors
// that implement SlotHolder keep the address themselves; everything else is
// kept in a side table keyed by descriptor identity.
//
// A slot is written once and then only read until teardown.
type slotCache struct {
	side *xsync.MapOf[Code, uintptr]
}

func newSlotCache() *slotCache {
	return &slotCache{
		side: xsync.NewMapOf[Code, uintptr](),
	}
}

func (c *slotCache) load(code Code) uintptr {
	if h, ok := code.(SlotHolder); ok {
		return h.TrampolineSlot().Load()
	}

	addr, _ := c.side.Load(code)
	return addr
}

// publish claims the slot for addr. If another goroutine got there first,
// its address is returned along with false and addr is left unused.
func (c *slotCache) publish(code Code, addr uintptr) (uintptr, bool) {
	if h, ok := code.(SlotHolder); ok {
		slot := h.TrampolineSlot()
		if slot.CompareAndSwap(0, addr) {
			return addr, true
		}
		return slot.Load(), false
	}

	actual, loaded := c.side.LoadOrStore(code, addr)
	return actual, !loaded
}

// forget clears the slot for code. Only valid once the trampoline's arena
// is about to be unmapped.
func (c *slotCache) forget(code Code) {
	if h, ok := code.(SlotHolder); ok {
		h.TrampolineSlot().Store(0)
		return
	}
	c.side.Delete(code)
}

func (c *slotCache) reset() {
	c.side.Clear()
}
