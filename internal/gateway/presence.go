package gateway

import "sync"

// PresenceStore tracks which users currently hold at least one open
// connection on this node.
type PresenceStore interface {
	SetOnline(userID string)
	SetOffline(userID string)
	IsOnline(userID string) bool
	OnlineUsers() []string
}

// MemoryPresence is process-local and deliberately non-durable: a
// restart drops all connections anyway, so presence rebuilds itself as
// clients reconnect.
type MemoryPresence struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{online: make(map[string]bool)}
}

func (p *MemoryPresence) SetOnline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = true
}

func (p *MemoryPresence) SetOffline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
}

func (p *MemoryPresence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

func (p *MemoryPresence) OnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	return out
}
