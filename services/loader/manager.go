package loader

import (
	"log"
	"sync"
)

// Manager owns the live playback sessions, one Loader each. Sessions are
// opened when playback starts and discarded when it ends; the cached
// manifest model lives and dies with its session.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Loader
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Loader),
	}
}

// Open creates a new playback session for the given MPD URL.
func (m *Manager) Open(manifestURL string) *Loader {
	l := NewLoader(manifestURL, m.opts)
	m.mu.Lock()
	m.sessions[l.ID] = l
	m.mu.Unlock()
	log.Printf("[loader] opened session %s for %s", l.ID, manifestURL)
	return l
}

// Session returns the loader for a live session id.
func (m *Manager) Session(id string) (*Loader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessions[id]
	return l, ok
}

// Close ends a playback session and discards its cached manifest.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	l, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		l.Close()
		log.Printf("[loader] closed session %s", id)
	}
}

// Shutdown ends every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Loader, 0, len(m.sessions))
	for id, l := range m.sessions {
		sessions = append(sessions, l)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, l := range sessions {
		l.Close()
	}
}
