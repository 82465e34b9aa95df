// Package targets queues seed and discovered URLs for the engine.
package targets

// Manager is a deduplicating FIFO queue. A target is accepted at most once
// for the lifetime of the manager, even after it has been popped.
//
// Manager is not safe for concurrent use; the engine's dispatch loop owns it.
type Manager struct {
	seen  map[string]struct{}
	queue []string
	head  int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{seen: make(map[string]struct{})}
}

// NewManagerFrom returns a manager pre-filled with targets in order.
func NewManagerFrom(targets []string) *Manager {
	m := NewManager()
	for _, t := range targets {
		m.Add(t)
	}
	return m
}

// Add queues target unless it has been seen before. It reports whether the
// target was newly added.
func (m *Manager) Add(target string) bool {
	if _, ok := m.seen[target]; ok {
		return false
	}
	m.seen[target] = struct{}{}
	m.queue = append(m.queue, target)
	return true
}

// Next pops the oldest queued target.
func (m *Manager) Next() (string, bool) {
	if m.head >= len(m.queue) {
		return "", false
	}
	t := m.queue[m.head]
	m.queue[m.head] = ""
	m.head++
	// Reclaim the consumed prefix once it dominates the slice.
	if m.head > 64 && m.head*2 > len(m.queue) {
		m.queue = append([]string(nil), m.queue[m.head:]...)
		m.head = 0
	}
	return t, true
}

// Len returns the number of queued targets.
func (m *Manager) Len() int {
	return len(m.queue) - m.head
}

// Pending returns the queued targets in dispatch order without consuming them.
func (m *Manager) Pending() []string {
	return append([]string(nil), m.queue[m.head:]...)
}
