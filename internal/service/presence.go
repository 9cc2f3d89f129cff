package service

import (
	"sort"
	"sync"
)

// PresenceTracker keeps the set of identities currently online. It is fed by
// push events only and emptied on reconnect.
type PresenceTracker struct {
	mu      sync.RWMutex
	online  map[string]struct{}
	changes *Changes
}

// NewPresenceTracker creates a tracker with nobody online.
func NewPresenceTracker(changes *Changes) *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{}), changes: changes}
}

// OnOnline marks identity online.
func (p *PresenceTracker) OnOnline(identity string) {
	if identity == "" {
		return
	}
	p.mu.Lock()
	_, had := p.online[identity]
	p.online[identity] = struct{}{}
	p.mu.Unlock()

	if !had {
		p.changes.Publish(Change{Kind: ChangePresence, Detail: identity})
	}
}

// OnOffline marks identity offline.
func (p *PresenceTracker) OnOffline(identity string) {
	p.mu.Lock()
	_, had := p.online[identity]
	delete(p.online, identity)
	p.mu.Unlock()

	if had {
		p.changes.Publish(Change{Kind: ChangePresence, Detail: identity})
	}
}

// IsOnline reports whether identity is online.
func (p *PresenceTracker) IsOnline(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[identity]
	return ok
}

// Online returns the online identities in lexical order.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Reset forgets everyone. The server re-announces presence after a reconnect.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	n := len(p.online)
	p.online = make(map[string]struct{})
	p.mu.Unlock()

	if n > 0 {
		p.changes.Publish(Change{Kind: ChangePresence})
	}
}
