package signaling

import "sync"

// connections is the registry of live control connections. An id is added on
// accept and removed exactly once on disconnect; removed ids are never reused.
type connections struct {
	mu   sync.RWMutex
	byID map[string]*client
}

func newConnections() *connections {
	return &connections{byID: make(map[string]*client)}
}

// add registers c and reports false if the id is already taken.
func (cs *connections) add(c *client) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.byID[c.id]; exists {
		return false
	}
	cs.byID[c.id] = c
	return true
}

// remove unregisters c and reports whether this call removed it.
func (cs *connections) remove(c *client) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cur, ok := cs.byID[c.id]; !ok || cur != c {
		return false
	}
	delete(cs.byID, c.id)
	return true
}

func (cs *connections) get(id string) *client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.byID[id]
}

func (cs *connections) all() []*client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*client, 0, len(cs.byID))
	for _, c := range cs.byID {
		out = append(out, c)
	}
	return out
}

func (cs *connections) len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byID)
}
