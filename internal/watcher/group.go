package watcher

import "sync"

// Group is a reference-counted batch subscription. Every member is released
// individually; the shared subscription is torn down exactly once, when the
// last member goes away or the group is closed.
type Group struct {
	mu          sync.Mutex
	remaining   map[string]struct{}
	unsubscribe func() error
	closed      bool
}

// NewGroup creates a group owning unsubscribe for the given members
func NewGroup(unsubscribe func() error, members []string) *Group {
	remaining := make(map[string]struct{}, len(members))
	for _, m := range members {
		remaining[m] = struct{}{}
	}
	return &Group{
		remaining:   remaining,
		unsubscribe: unsubscribe,
	}
}

// Release drops one member. It reports whether this call tore the group down.
// Releasing an unknown or already released member is a no-op.
func (g *Group) Release(member string) (closed bool, err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false, nil
	}
	if _, ok := g.remaining[member]; !ok {
		g.mu.Unlock()
		return false, nil
	}
	delete(g.remaining, member)
	if len(g.remaining) > 0 {
		g.mu.Unlock()
		return false, nil
	}
	g.closed = true
	g.mu.Unlock()

	return true, g.unsubscribe()
}

// Close tears the group down regardless of remaining members
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.remaining = nil
	g.mu.Unlock()

	return g.unsubscribe()
}

// Remaining returns the number of members not yet released
func (g *Group) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.remaining)
}

// Closed reports whether the subscription was torn down
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
