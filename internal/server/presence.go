package server

import "sync"

// PresenceTracker keeps counts of authenticated websocket connections per user.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[int64]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[int64]int)}
}

// Increment records one more connection for userID and returns the number of distinct
// users online afterwards.
func (p *PresenceTracker) Increment(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return len(p.online)
}

func (p *PresenceTracker) Decrement(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count, ok := p.online[userID]; ok {
		if count <= 1 {
			delete(p.online, userID)
		} else {
			p.online[userID] = count - 1
		}
	}
	return len(p.online)
}

func (p *PresenceTracker) Online(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID] > 0
}
