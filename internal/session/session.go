// Package session tracks one record per live socket connection: identity,
// permissions, activity timestamps and lifecycle state.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State models the connection lifecycle. Disconnected is terminal.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateAnonymous     State = "anonymous"
	StateActive        State = "active"
	StateIdle          State = "idle"
	StateDisconnected  State = "disconnected"
)

// ErrUnknownSession indicates the session id is not registered.
var ErrUnknownSession = errors.New("unknown session")

// Session is the per-connection record. Authoritative subscription
// membership lives in the subscription registry; this record carries only
// identity and activity data.
type Session struct {
	ID           string
	UserID       string
	Permissions  []string
	TokenExpiry  time.Time
	IP           string
	ConnectedAt  time.Time
	LastActivity time.Time
	State        State
}

// Anonymous reports whether the session carries no authenticated identity.
func (s *Session) Anonymous() bool {
	return s == nil || s.UserID == ""
}

// Snapshot is the externally visible copy handed to telemetry endpoints.
type Snapshot struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Permissions  []string  `json:"permissions,omitempty"`
	IP           string    `json:"ip"`
	State        State     `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Registry owns every live session behind one mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{sessions: make(map[string]*Session), now: clock}
}

// Connect registers a new session for the authenticated (or anonymous)
// identity and returns it in the Active state.
func (r *Registry) Connect(userID string, permissions []string, tokenExpiry time.Time, ip string) *Session {
	if r == nil {
		return nil
	}
	now := r.now()
	state := StateAuthenticated
	if userID == "" {
		state = StateAnonymous
	}
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Permissions:  append([]string(nil), permissions...),
		TokenExpiry:  tokenExpiry,
		IP:           ip,
		ConnectedAt:  now,
		LastActivity: now,
		State:        state,
	}
	// Connecting -> Authenticated|Anonymous -> Active happens atomically
	// here; the intermediate states only matter for failed handshakes.
	session.State = StateActive

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()
	return session
}

// Get returns the live session record, or nil.
func (r *Registry) Get(sessionID string) *Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Touch records activity, reviving idle sessions to the Active state.
func (r *Registry) Touch(sessionID string) error {
	if r == nil {
		return ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	session.LastActivity = r.now()
	if session.State == StateIdle {
		session.State = StateActive
	}
	return nil
}

// Disconnect removes the session and returns its final record. Callers are
// responsible for draining the subscription registry afterwards.
func (r *Registry) Disconnect(sessionID string) (*Session, error) {
	if r == nil {
		return nil, ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	delete(r.sessions, sessionID)
	session.State = StateDisconnected
	return session, nil
}

// IdleSessions marks sessions whose last activity predates the threshold as
// Idle and returns their ids. The periodic sweep disconnects them.
func (r *Registry) IdleSessions(threshold time.Duration) []string {
	if r == nil || threshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-threshold)
	var idle []string
	for id, session := range r.sessions {
		if session.LastActivity.Before(cutoff) {
			session.State = StateIdle
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SnapshotAll copies every live session for the telemetry endpoints.
func (r *Registry) SnapshotAll() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshots := make([]Snapshot, 0, len(r.sessions))
	for _, session := range r.sessions {
		snapshots = append(snapshots, snapshotOf(session))
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ConnectedAt.Before(snapshots[j].ConnectedAt) })
	return snapshots
}

// SnapshotOne copies a single session record.
func (r *Registry) SnapshotOne(sessionID string) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, ErrUnknownSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	return snapshotOf(session), nil
}

func snapshotOf(session *Session) Snapshot {
	return Snapshot{
		ID:           session.ID,
		UserID:       session.UserID,
		Permissions:  append([]string(nil), session.Permissions...),
		IP:           session.IP,
		State:        session.State,
		ConnectedAt:  session.ConnectedAt,
		LastActivity: session.LastActivity,
	}
}
