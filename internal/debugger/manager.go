// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultDialMaxElapsedTime bounds how long DialBackend keeps retrying.
	DefaultDialMaxElapsedTime = 30 * time.Second

	// sessionQueryParam names the query parameter carrying the session ID on
	// the attach endpoint.
	sessionQueryParam = "session"
)

// SessionState represents the current state of a bridge session.
type SessionState int

const (
	// SessionStateCreated indicates the session has been registered but no
	// frontend has connected yet.
	SessionStateCreated SessionState = iota

	// SessionStateConnected indicates a frontend is connected and the bridge
	// is live.
	SessionStateConnected

	// SessionStateTerminated indicates the session has ended.
	SessionStateTerminated

	// SessionStateError indicates the session encountered an error.
	SessionStateError
)

// String returns a string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateCreated:
		return "created"
	case SessionStateConnected:
		return "connected"
	case SessionStateTerminated:
		return "terminated"
	case SessionStateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session holds the state for one bridge session.
type Session struct {
	// ID is the unique identifier for this session.
	ID string

	// Token is the authentication token a frontend must present to attach.
	Token string

	// State is the current session state.
	State SessionState

	// Connected indicates whether a frontend is currently attached.
	// Only one connection is allowed per session.
	Connected bool

	// CreatedAt is when the session was registered.
	CreatedAt time.Time

	// Error holds any error message if State is SessionStateError.
	Error string
}

// ManagerConfig contains configuration for the Manager.
type ManagerConfig struct {
	// EventSink receives backend events for every session's bridge.
	// If nil, events are dropped.
	EventSink EventSink

	// CheckOrigin overrides the WebSocket upgrader's origin check.
	// If nil, same-origin requests are required.
	CheckOrigin func(r *http.Request) bool

	// Logger for manager operations.
	Logger logr.Logger
}

// Manager manages bridge sessions and the shared WebSocket attach endpoint.
// It validates the session handshake on incoming connections and hands the
// resulting transport to the session's bridge.
type Manager struct {
	config   ManagerConfig
	log      logr.Logger
	upgrader websocket.Upgrader

	// mu protects sessions and bridges.
	mu       sync.Mutex
	sessions map[string]*Session
	bridges  map[string]*Bridge
}

// NewManager creates a new Manager with the given configuration.
func NewManager(config ManagerConfig) *Manager {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Manager{
		config: config,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: config.CheckOrigin,
		},
		sessions: make(map[string]*Session),
		bridges:  make(map[string]*Bridge),
	}
}

// RegisterSession creates and registers a new bridge session. When sessionID
// or token is empty, a fresh UUID is generated for it. Returns a snapshot of
// the created session.
func (m *Manager) RegisterSession(sessionID string, token string) (Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if token == "" {
		token = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return Session{}, ErrSessionAlreadyExists
	}

	session := &Session{
		ID:        sessionID,
		Token:     token,
		State:     SessionStateCreated,
		CreatedAt: time.Now(),
	}
	m.sessions[sessionID] = session
	m.bridges[sessionID] = NewBridge(BridgeConfig{
		EventSink: m.config.EventSink,
		OnChannelLost: func() {
			m.log.Info("Frontend connection lost", "sessionID", sessionID)
			m.setDisconnected(sessionID)
		},
		Logger: m.log.WithName("bridge").WithValues("sessionID", sessionID),
	})

	m.log.Info("Registered bridge session", "sessionID", sessionID)
	return *session, nil
}

// Session returns a snapshot of the session with the given ID. Session state
// is mutated under the manager's lock, so callers get a copy rather than a
// pointer into it.
func (m *Manager) Session(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, found := m.sessions[id]
	if !found {
		return Session{}, ErrSessionNotFound
	}
	return *session, nil
}

// Bridge returns the bridge owned by the session with the given ID.
func (m *Manager) Bridge(id string) (*Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bridge, found := m.bridges[id]
	if !found {
		return nil, ErrSessionNotFound
	}
	return bridge, nil
}

// TerminateSession ends a session and closes its bridge. Pending requests on
// the bridge are drained; their callers observe nil results.
func (m *Manager) TerminateSession(id string) error {
	m.mu.Lock()
	session, found := m.sessions[id]
	if !found {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	bridge := m.bridges[id]
	session.State = SessionStateTerminated
	session.Connected = false
	m.mu.Unlock()

	if bridge != nil {
		bridge.Close()
	}

	m.log.Info("Terminated bridge session", "sessionID", id)
	return nil
}

// Shutdown terminates every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.TerminateSession(id)
	}
}

// ServeHTTP implements the frontend attach endpoint. A frontend connects
// with GET ?session=<id> and the session token as a bearer Authorization
// header; on success the connection is upgraded to a WebSocket and attached
// to the session's bridge.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get(sessionQueryParam)
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	validateErr := m.validateAttach(sessionID, bearerToken(r))
	switch {
	case validateErr == nil:
	case IsSessionError(validateErr):
		m.log.Info("Rejected attach request", "sessionID", sessionID, "reason", validateErr.Error())
		http.Error(w, validateErr.Error(), attachErrorStatus(validateErr))
		return
	default:
		http.Error(w, validateErr.Error(), http.StatusInternalServerError)
		return
	}

	conn, upgradeErr := m.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		// Upgrade has already written the HTTP error response.
		m.log.Error(upgradeErr, "WebSocket upgrade failed", "sessionID", sessionID)
		m.setDisconnected(sessionID)
		return
	}

	bridge, bridgeErr := m.Bridge(sessionID)
	if bridgeErr != nil {
		_ = conn.Close()
		m.setDisconnected(sessionID)
		return
	}

	if attachErr := bridge.Attach(NewWebSocketTransport(conn)); attachErr != nil {
		m.log.Error(attachErr, "Failed to attach bridge", "sessionID", sessionID)
		_ = conn.Close()
		m.setDisconnected(sessionID)
		return
	}

	m.log.Info("Frontend connected", "sessionID", sessionID, "remote", r.RemoteAddr)
}

// validateAttach checks the handshake and transitions the session to
// connected when it succeeds.
func (m *Manager) validateAttach(sessionID string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, found := m.sessions[sessionID]
	if !found {
		return ErrSessionNotFound
	}
	if session.Token != token {
		return ErrSessionInvalidToken
	}
	if session.Connected {
		return ErrSessionAlreadyConnected
	}
	if session.State == SessionStateTerminated {
		return ErrSessionNotFound
	}

	session.Connected = true
	session.State = SessionStateConnected
	return nil
}

func (m *Manager) setDisconnected(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, found := m.sessions[sessionID]; found && session.State == SessionStateConnected {
		session.Connected = false
		session.State = SessionStateCreated
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func attachErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrSessionAlreadyConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// DialBackend connects to a debug backend endpoint, retrying transient
// failures with exponential backoff until maxElapsed has passed or ctx is
// cancelled. If maxElapsed is zero, DefaultDialMaxElapsedTime is used.
func DialBackend(ctx context.Context, endpoint string, maxElapsed time.Duration, log logr.Logger) (Transport, error) {
	if maxElapsed == 0 {
		maxElapsed = DefaultDialMaxElapsedTime
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(maxElapsed),
	)

	var transport Transport
	dialOp := func() error {
		t, dialErr := DialWebSocket(ctx, endpoint, nil)
		if dialErr != nil {
			log.V(1).Info("Backend dial attempt failed", "endpoint", endpoint, "error", dialErr.Error())
			return dialErr
		}
		transport = t
		return nil
	}

	if retryErr := backoff.Retry(dialOp, backoff.WithContext(bo, ctx)); retryErr != nil {
		return nil, fmt.Errorf("failed to connect to debug backend at %s: %w", endpoint, retryErr)
	}

	return transport, nil
}
