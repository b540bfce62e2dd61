package research

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Guard rejects concurrent pipeline runs on the same session, or on an
// identical fresh prompt before a session exists. State is in-process only:
// the orchestrator runs as a single instance.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// DedupKey derives the guard key: the session id when one exists, otherwise
// a hash of the raw prompt.
func DedupKey(sessionID, prompt string) string {
	if sessionID != "" {
		return "session:" + sessionID
	}
	sum := sha256.Sum256([]byte(prompt))
	return "prompt:" + hex.EncodeToString(sum[:])[:16]
}

// Acquire claims the key. A false return means a run holding the key is
// already in flight and the caller must reject with a busy signal.
func (g *Guard) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.active[key]; held {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Release frees the key. Safe to call for keys never acquired.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}
