package sync

import "sync"

// tokenTracker gates checkpoint persistence on write completion. Events are
// numbered in stream order; a token is released for persistence only when
// every event at or below its sequence has finished, so a durable token
// never covers an event whose index write has not landed yet.
type tokenTracker struct {
	mu     sync.Mutex
	next   uint64
	floor  uint64 // every seq below floor is complete
	done   map[uint64]bool
	tokens map[uint64][]byte
}

func newTokenTracker() *tokenTracker {
	return &tokenTracker{done: map[uint64]bool{}, tokens: map[uint64][]byte{}}
}

func (t *tokenTracker) add(token []byte) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.next
	t.next++
	t.tokens[seq] = token
	return seq
}

// complete marks seq finished. When the contiguous prefix advances it
// returns the newest non-empty token inside that prefix.
func (t *tokenTracker) complete(seq uint64) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[seq] = true
	var tok []byte
	advanced := false
	for t.done[t.floor] {
		delete(t.done, t.floor)
		if b := t.tokens[t.floor]; len(b) > 0 {
			tok = b
		}
		delete(t.tokens, t.floor)
		t.floor++
		advanced = true
	}
	return tok, advanced
}
