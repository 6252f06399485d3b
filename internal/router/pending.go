package router

import (
	"sync"
)

// pendingResult is the terminal outcome of one in-flight request
type pendingResult struct {
	response *Response
	err      error
}

// pendingTable correlates request ids to waiting callers. Request ids
// are replica-unique uuids, so entries never collide across replicas.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]chan pendingResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]chan pendingResult)}
}

// register creates the waiting slot for a request id
func (p *pendingTable) register(requestID string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.entries[requestID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a result and removes the entry. Returns false when
// no entry exists (late response after timeout, or a response owned by
// another replica).
func (p *pendingTable) resolve(requestID string, result pendingResult) bool {
	p.mu.Lock()
	ch, ok := p.entries[requestID]
	if ok {
		delete(p.entries, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// discard drops an entry without delivering; late responses are ignored
func (p *pendingTable) discard(requestID string) {
	p.mu.Lock()
	delete(p.entries, requestID)
	p.mu.Unlock()
}

// size reports the number of in-flight requests
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
