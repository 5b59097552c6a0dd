package gateway

import (
	"sync"
	"time"

	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/prompt"
)

const (
	DefaultSessionMessages = 100
	DefaultSessionLinger   = 10 * time.Minute
)

// Session is one client conversation context. It outlives the websocket
// connection: a client reconnecting with the same session id gets its recent
// events replayed and its agents back.
type Session struct {
	ID string

	mu       sync.Mutex
	agents   map[string]ConversationAgent
	events   []Event
	maxSize  int
	attached bool
	lastSeen time.Time
	sink     func(Event)

	// Broker holds the prompts waiting on this session's user.
	Broker *prompt.Broker
}

// setSink points the session at the current connection's delivery function,
// or nil when detached.
func (s *Session) setSink(sink func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// push records an event for replay and delivers it to the live connection if
// one is attached. Turn goroutines outlive connections; a detached session
// just accumulates history.
func (s *Session) push(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > s.maxSize {
		s.events = s.events[len(s.events)-s.maxSize:]
	}
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

func (s *Session) agent(id string) (ConversationAgent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok
}

func (s *Session) putAgent(id string, a ConversationAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id] = a
}

func (s *Session) dropAgent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return false
	}
	delete(s.agents, id)
	return true
}

// replay returns the stored events tagged as replays.
func (s *Session) replay() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	for i, e := range s.events {
		e.Replay = true
		out[i] = e
	}
	return out
}

// sessionManager tracks sessions across connections and garbage-collects
// those that stay detached past the linger window.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxSize  int
	linger   time.Duration
}

func newSessionManager(maxMessages int, linger time.Duration) *sessionManager {
	if maxMessages <= 0 {
		maxMessages = DefaultSessionMessages
	}
	if linger <= 0 {
		linger = DefaultSessionLinger
	}
	return &sessionManager{
		sessions: make(map[string]*Session),
		maxSize:  maxMessages,
		linger:   linger,
	}
}

// attach returns the session for id, creating it on first sight, and reports
// whether it already existed.
func (m *sessionManager) attach(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, existed := m.sessions[id]
	if !existed {
		s = &Session{
			ID:      id,
			agents:  make(map[string]ConversationAgent),
			maxSize: m.maxSize,
			Broker:  prompt.NewBroker(),
		}
		m.sessions[id] = s
	}
	s.mu.Lock()
	s.attached = true
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return s, existed
}

// detach marks the session disconnected and rejects its pending prompts.
func (m *sessionManager) detach(s *Session) {
	s.mu.Lock()
	s.attached = false
	s.lastSeen = time.Now()
	s.mu.Unlock()
	s.Broker.CancelAll()
}

// sweep drops sessions detached for longer than the linger window.
func (m *sessionManager) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := !s.attached && now.Sub(s.lastSeen) > m.linger
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			removed++
			logger.InfoCF("gateway", "session expired", map[string]any{"session": id})
		}
	}
	return removed
}

// broadcast pushes an event into every session.
func (m *sessionManager) broadcast(e Event) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.push(e)
	}
}

func (m *sessionManager) get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *sessionManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
