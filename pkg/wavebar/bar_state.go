package wavebar

import "sync"

// BarState is the bar array shared between the audio thread and the
// renderer. The array is only reachable through these methods, each of which
// holds the lock for a copy or a caller-supplied, non-blocking function.
type BarState struct {
	lock   sync.Mutex
	levels BarLevels
}

// Store replaces the published levels
func (bs *BarState) Store(levels BarLevels) {
	bs.lock.Lock()
	bs.levels = levels
	bs.lock.Unlock()
}

// Update mutates the levels in place under the lock
func (bs *BarState) Update(fn func(levels *BarLevels)) {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	fn(&bs.levels)
}

// Read hands the levels to fn under the lock. fn must not retain the pointer.
func (bs *BarState) Read(fn func(levels *BarLevels)) {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	fn(&bs.levels)
}

// Snapshot returns a copy of the levels
func (bs *BarState) Snapshot() BarLevels {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	return bs.levels
}

// Reset zeroes every bar
func (bs *BarState) Reset() {
	bs.Store(BarLevels{})
}
