package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

const (
	// tableSize bounds the number of concurrently protected goroutines.
	tableSize = 256
	tableMask = tableSize - 1
)

// entry is one goroutine's protection slot, padded to a cache line so
// concurrent Protect/Suspend on neighboring slots do not false-share.
type entry struct {
	gid        atomic.Int64  // owning goroutine id, 0 when free
	localEpoch atomic.Uint64 // epoch the owner is protected at, 0 when suspended
	depth      int32         // re-entrancy depth, owner-only
	_          [44]byte
}

type drainAction struct {
	epoch uint64
	fn    func()
}

// Manager is the global epoch state: a monotone epoch counter, the entry
// table, and the queue of deferred drain actions.
type Manager struct {
	current atomic.Uint64
	entries [tableSize]entry

	drainMu sync.Mutex
	drains  []drainAction
}

// NewManager creates a Manager with the epoch counter at 1.
func NewManager() *Manager {
	m := &Manager{}
	m.current.Store(1)
	return m
}

// CurrentEpoch returns the current global epoch.
func (m *Manager) CurrentEpoch() uint64 { return m.current.Load() }

// entryFor finds the calling goroutine's slot. With claim set, a free slot is
// claimed when none is held; without, nil is returned when unprotected.
func (m *Manager) entryFor(claim bool) *entry {
	g := goid.Get()
	h := uint64(g) * 0x9E3779B97F4A7C15 >> 32
	for i := 0; i < tableSize; i++ {
		e := &m.entries[(h+uint64(i))&tableMask]
		if e.gid.Load() == g {
			return e
		}
	}
	if !claim {
		return nil
	}
	for i := 0; i < tableSize; i++ {
		e := &m.entries[(h+uint64(i))&tableMask]
		if e.gid.Load() == 0 && e.gid.CompareAndSwap(0, g) {
			return e
		}
	}
	panic("epoch: entry table exhausted; too many concurrently protected goroutines")
}

// Protect marks the calling goroutine active in the current epoch. Calls
// nest; each must be balanced by Suspend.
func (m *Manager) Protect() {
	e := m.entryFor(true)
	e.depth++
	if e.depth > 1 {
		return
	}
	// Publish the local epoch, re-reading so a concurrent bump cannot slip
	// between the read and the store unobserved.
	for {
		c := m.current.Load()
		e.localEpoch.Store(c)
		if m.current.Load() == c {
			return
		}
	}
}

// Suspend marks the calling goroutine inactive. The final Suspend of a nest
// releases the slot and attempts a drain.
func (m *Manager) Suspend() {
	e := m.entryFor(false)
	if e == nil || e.depth == 0 {
		panic("epoch: Suspend without matching Protect")
	}
	e.depth--
	if e.depth > 0 {
		return
	}
	e.localEpoch.Store(0)
	e.gid.Store(0)
	m.Drain()
}

// ThisInstanceProtected reports whether the calling goroutine currently holds
// protection. The log accessor uses it to avoid re-entrant Protect.
func (m *Manager) ThisInstanceProtected() bool {
	e := m.entryFor(false)
	return e != nil && e.localEpoch.Load() != 0
}

// BumpCurrentEpoch advances the global epoch and schedules action to fire
// once every goroutine protected at the prior epoch has suspended or
// re-protected later.
func (m *Manager) BumpCurrentEpoch(action func()) {
	prior := m.current.Add(1) - 1
	m.drainMu.Lock()
	m.drains = append(m.drains, drainAction{epoch: prior, fn: action})
	m.drainMu.Unlock()
	m.Drain()
}

// ProtectAndDrain refreshes the calling goroutine's local epoch to the
// current one and attempts a drain. It is the cooperative step a protected
// goroutine takes inside wait loops, where a plain blocking wait would
// prevent its own drain condition from ever being met.
func (m *Manager) ProtectAndDrain() {
	e := m.entryFor(false)
	if e == nil || e.localEpoch.Load() == 0 {
		panic("epoch: ProtectAndDrain while not protected")
	}
	for {
		c := m.current.Load()
		e.localEpoch.Store(c)
		if m.current.Load() == c {
			break
		}
	}
	m.Drain()
}

// Drain runs every queued action whose trigger epoch is strictly below the
// minimum epoch any goroutine is still protected at. Actions run outside the
// queue lock, in the order they were scheduled.
func (m *Manager) Drain() {
	m.drainMu.Lock()
	if len(m.drains) == 0 {
		m.drainMu.Unlock()
		return
	}
	safe := m.safeEpoch()
	var ready []drainAction
	kept := m.drains[:0]
	for _, d := range m.drains {
		if d.epoch < safe {
			ready = append(ready, d)
		} else {
			kept = append(kept, d)
		}
	}
	m.drains = kept
	m.drainMu.Unlock()

	for _, d := range ready {
		d.fn()
	}
}

// safeEpoch returns the lowest epoch any goroutine is still protected at, or
// the current epoch when none are.
func (m *Manager) safeEpoch() uint64 {
	min := m.current.Load()
	for i := range m.entries {
		if le := m.entries[i].localEpoch.Load(); le != 0 && le < min {
			min = le
		}
	}
	return min
}
