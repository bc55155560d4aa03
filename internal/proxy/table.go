package proxy

import (
	"fmt"
	"sync"
)

// DriverHandle addresses a driver held by a DriverTable. A handle stops
// resolving once its slot is released, even if the slot is reused.
type DriverHandle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether the handle was never issued.
func (h DriverHandle) IsZero() bool { return h.gen == 0 }

func (h DriverHandle) String() string {
	if h.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

type slot struct {
	gen    uint32
	driver Describable
}

// DriverTable owns the live drivers known to the hub. Shadows only keep
// handles into it.
type DriverTable struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	live  int
}

func NewDriverTable() *DriverTable {
	return &DriverTable{}
}

// Put stores d and returns its handle.
func (t *DriverTable) Put(d Describable) DriverHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[idx]
	s.gen++
	s.driver = d
	t.live++
	return DriverHandle{index: idx, gen: s.gen}
}

// Resolve returns the driver addressed by h.
func (t *DriverTable) Resolve(h DriverHandle) (Describable, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slotLocked(h)
	if !ok {
		return nil, false
	}
	return s.driver, true
}

// Release drops the driver addressed by h. It reports false for stale handles.
func (t *DriverTable) Release(h DriverHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slotLocked(h)
	if !ok {
		return false
	}
	s.driver = nil
	t.free = append(t.free, h.index)
	t.live--
	return true
}

// Len returns the number of drivers held.
func (t *DriverTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

func (t *DriverTable) slotLocked(h DriverHandle) (*slot, bool) {
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.index]
	if s.gen != h.gen || s.driver == nil {
		return nil, false
	}
	return s, true
}
