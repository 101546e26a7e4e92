package chat

import "sync/atomic"

// Gate enforces at most one in-flight generation call per session.
// TryAcquire never blocks; a second caller is rejected, not queued.
type Gate struct {
	held atomic.Bool
}

// TryAcquire attempts to take the gate. Returns false when already held.
func (g *Gate) TryAcquire() bool {
	return g.held.CompareAndSwap(false, true)
}

// Release gives the gate back. Safe to call when not held.
func (g *Gate) Release() {
	g.held.Store(false)
}

// Held reports whether the gate is currently taken.
func (g *Gate) Held() bool {
	return g.held.Load()
}
