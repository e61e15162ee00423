package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/ids"
)

// Session is a single transport-level RPC client, created on its first
// initialize call. Per spec.md §4.7, sessions are expired after
// session_timeout and capped at max_sessions, and own their subscriptions.
type Session struct {
	ID              string
	ProtocolVersion ProtocolVersion
	ClientInfo      ClientInfo
	Capabilities    map[string]any
	LogLevel        string
	CreatedAt       time.Time
	LastActivity    time.Time
	Subscriptions   map[string]string // subscriptionID -> resource uri
}

// ProtocolVersion is the major/minor/patch version negotiated at
// initialize.
type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SessionConfig configures the SessionManager, per spec.md §6 session.*
// options.
type SessionConfig struct {
	Max     int
	Timeout time.Duration
}

// SessionManager owns the session registry: creation, capacity
// enforcement, expiry sweeping, and subscription bookkeeping.
type SessionManager struct {
	mu       sync.Mutex
	cfg      SessionConfig
	sessions map[string]*Session
	clock    ids.Clock
	stopCh   chan struct{}
}

// NewSessionManager creates a SessionManager; clock defaults to the system
// clock when nil.
func NewSessionManager(cfg SessionConfig, clock ids.Clock) *SessionManager {
	if cfg.Max <= 0 {
		cfg.Max = 10000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if clock == nil {
		clock = ids.NewSystemClock()
	}
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background expiry sweep.
func (m *SessionManager) Start() {
	go m.sweepLoop()
}

// Stop halts the expiry sweep.
func (m *SessionManager) Stop() {
	close(m.stopCh)
}

func (m *SessionManager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.Timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *SessionManager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.cfg.Timeout {
			delete(m.sessions, id)
		}
	}
}

// Create registers a new session, enforcing max_sessions.
func (m *SessionManager) Create(version ProtocolVersion, client ClientInfo, caps map[string]any) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.cfg.Max {
		return nil, fmt.Errorf("session limit reached: %d", m.cfg.Max)
	}
	now := m.clock.Now()
	s := &Session{
		ID:              ids.New(ids.KindSession),
		ProtocolVersion: version,
		ClientInfo:      client,
		Capabilities:    caps,
		LogLevel:        "info",
		CreatedAt:       now,
		LastActivity:    now,
		Subscriptions:   make(map[string]string),
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Get returns a session by id and touches its last-activity time.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.LastActivity = m.clock.Now()
	}
	return s, ok
}

// Close removes a session, releasing all of its subscriptions.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Subscribe records a subscriptionID -> uri mapping under session id.
func (m *SessionManager) Subscribe(sessionID, uri string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("unknown session %q", sessionID)
	}
	subID := ids.New(ids.KindSubscribe)
	s.Subscriptions[subID] = uri
	return subID, nil
}

// Unsubscribe removes a subscription from its owning session.
func (m *SessionManager) Unsubscribe(sessionID, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	delete(s.Subscriptions, subscriptionID)
	return nil
}

// SubscriptionsForURI returns (sessionID, subscriptionID) pairs currently
// subscribed to uri, used to fan out notifications/resources/updated.
func (m *SessionManager) SubscriptionsForURI(uri string) []SubscriptionRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []SubscriptionRef
	for sessID, s := range m.sessions {
		for subID, u := range s.Subscriptions {
			if u == uri {
				refs = append(refs, SubscriptionRef{SessionID: sessID, SubscriptionID: subID})
			}
		}
	}
	return refs
}

// SubscriptionRef identifies one session's subscription to a resource.
type SubscriptionRef struct {
	SessionID      string
	SubscriptionID string
}
