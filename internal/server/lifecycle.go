package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/auth1ery/outlet/internal/auth"
	"github.com/auth1ery/outlet/internal/ephemeral"
	"github.com/auth1ery/outlet/internal/hub"
	"github.com/auth1ery/outlet/internal/presence"
	"github.com/auth1ery/outlet/internal/store"
)

// ErrShuttingDown is returned for work refused after Shutdown began.
var ErrShuttingDown = errors.New("server is shutting down")

// errProfileUnavailable marks a profile lookup that failed for a reason other
// than the user being gone.
var errProfileUnavailable = errors.New("profile unavailable")

// Verifier turns a credential into the user id it was issued for.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// MessageStore is the persistent state the chat core reads and appends to.
type MessageStore interface {
	FetchProfile(ctx context.Context, userID string) (store.Profile, error)
	AppendMessage(ctx context.Context, userID, content string) (store.Message, error)
	FetchRecent(ctx context.Context, limit int) ([]store.HistoryEntry, error)
}

// Manager owns the chat room: it authenticates connections, keeps the
// online list, and routes inbound events to the hub.
type Manager struct {
	cfg       *Config
	verifier  Verifier
	messages  MessageStore
	ephemeral ephemeral.Store
	registry  *presence.Registry
	hub       *hub.Hub
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	// presenceMu pairs every registry change with its online broadcast.
	presenceMu sync.Mutex
	// typingLocks serializes each identity's typing writes with its
	// message sequences.
	typingLocks *keyedMutex

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewManager wires a Manager to its collaborators. It works on a sanitized
// copy of cfg. A nil logger means slog.Default().
func NewManager(cfg *Config, verifier Verifier, messages MessageStore, typing ephemeral.Store, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := *cfg
	sanitized.sanitize()
	cfg = &sanitized
	if logger == nil {
		logger = slog.Default()
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Manager{
		cfg:       cfg,
		verifier:  verifier,
		messages:  messages,
		ephemeral: typing,
		registry:  presence.NewRegistry(),
		hub:       hub.New(cfg.SendBufferSize, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		logger:      logger,
		typingLocks: newKeyedMutex(),
		sessions:    make(map[string]*Session),
	}
}

// Online returns the current online list.
func (m *Manager) Online() []presence.Entry {
	return m.registry.Snapshot()
}

// Sessions returns the number of tracked connections in any state.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// credentialFrom reads the token query parameter, then the bearer header.
func credentialFrom(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

// ServeWS upgrades the request and runs the session until it closes.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(conn, r.RemoteAddr, m.cfg, m.logger)
	if err := m.track(sess); err != nil {
		sess.setState(StateClosed)
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer m.untrack(sess)

	m.run(context.WithoutCancel(r.Context()), sess, credentialFrom(r))
}

func (m *Manager) track(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}
	m.sessions[sess.id] = sess
	m.wg.Add(1)
	return nil
}

func (m *Manager) untrack(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) run(ctx context.Context, sess *Session, credential string) {
	identity, err := m.authenticate(ctx, sess, credential)
	if err != nil {
		state := sess.State()
		sess.setState(StateClosed)
		if errors.Is(err, errProfileUnavailable) {
			sess.logger.Error("closing connection, profile lookup failed", "state", state, "error", err)
			sess.closeWith(websocket.CloseInternalServerErr, "profile unavailable")
			return
		}
		sess.logger.Info("rejecting connection", "state", state, "error", err)
		sess.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	m.join(sess, identity)
	go sess.writePump()

	sess.readPump(func(raw []byte) {
		m.dispatch(ctx, sess, raw)
	})

	m.leave(ctx, sess)
	<-sess.writerDone
}

func (m *Manager) authenticate(ctx context.Context, sess *Session, credential string) (presence.Identity, error) {
	if credential == "" {
		return presence.Identity{}, auth.ErrMissingToken
	}

	userID, err := m.verifier.Verify(ctx, credential)
	if err != nil {
		return presence.Identity{}, fmt.Errorf("verify credential: %w", err)
	}
	sess.setState(StateAuthenticated)

	profile, err := m.messages.FetchProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return presence.Identity{}, fmt.Errorf("fetch profile %s: %w", userID, err)
	}
	if err != nil {
		return presence.Identity{}, fmt.Errorf("fetch profile %s: %w: %w", userID, errProfileUnavailable, err)
	}

	return presence.Identity{
		ID:          profile.ID,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}, nil
}

// join registers the session and announces the new online list to everyone,
// the newcomer included.
func (m *Manager) join(sess *Session, identity presence.Identity) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	sess.identity = identity
	m.registry.Register(identity)
	sess.sub = m.hub.Attach(sess.id)
	sess.setState(StateActive)
	sess.logger.Info("session joined", "user", identity.ID, "online", m.registry.Len())

	m.announce()
}

// leave runs once per active session: deregister and detach, clear the
// typing key, then announce. A failed clear is logged and does not stop the
// announce.
func (m *Manager) leave(ctx context.Context, sess *Session) {
	sess.closeOnce.Do(func() {
		sess.setState(StateClosed)
		id := sess.identity.ID

		m.presenceMu.Lock()
		offline := m.registry.Deregister(id)
		m.hub.Detach(sess.id)
		m.presenceMu.Unlock()

		unlock := m.typingLocks.Lock(id)
		if err := m.ephemeral.Delete(ctx, ephemeral.TypingKey(id)); err != nil {
			sess.logger.Warn("failed to clear typing state", "error", err)
		}
		unlock()

		m.presenceMu.Lock()
		m.announce()
		m.presenceMu.Unlock()

		sess.logger.Info("session left", "user", id, "offline", offline)
	})
}

// announce broadcasts the registry snapshot. Callers hold presenceMu.
func (m *Manager) announce() {
	if _, err := m.hub.Broadcast(hub.OnlineEvent(m.registry.Snapshot()), hub.All()); err != nil {
		m.logger.Error("failed to broadcast online list", "error", err)
	}
}

func (m *Manager) dispatch(ctx context.Context, sess *Session, raw []byte) {
	if sess.State() != StateActive {
		return
	}

	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		sess.logger.Warn("invalid frame", "error", err)
		return
	}

	switch ev.Type {
	case inboundMessage:
		var req MessageRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			sess.logger.Warn("invalid message payload", "error", err)
			m.reject(sess, codeInvalidMessage, "message payload must be an object with content")
			return
		}
		m.handleMessage(ctx, sess, req.Content)
	case inboundTyping:
		var req TypingRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			sess.logger.Warn("invalid typing payload", "error", err)
			return
		}
		m.handleTyping(ctx, sess, req.Typing)
	default:
		sess.logger.Warn("ignoring unknown event type", "type", ev.Type)
	}
}

// validContent reports whether content has something besides whitespace and
// is at most maxContentRunes long. Content is stored as sent.
func validContent(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	return utf8.RuneCountInString(content) <= maxContentRunes
}

// handleMessage persists, broadcasts to all, then clears the sender's typing
// state. Nothing is broadcast unless the append succeeded.
func (m *Manager) handleMessage(ctx context.Context, sess *Session, content string) {
	if !validContent(content) {
		m.reject(sess, codeInvalidMessage, fmt.Sprintf("message must be 1 to %d characters", maxContentRunes))
		return
	}

	identity := sess.identity
	unlock := m.typingLocks.Lock(identity.ID)
	defer unlock()

	msg, err := m.messages.AppendMessage(ctx, identity.ID, content)
	if err != nil {
		sess.logger.Error("failed to persist message", "error", err)
		m.reject(sess, codeStoreUnavailable, "message could not be saved")
		return
	}

	payload := hub.MessagePayload{
		ID:          msg.ID,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
		Username:    identity.Username,
		DisplayName: identity.Name(),
		AvatarURL:   identity.AvatarURL,
		UserID:      identity.ID,
	}
	if _, err := m.hub.Broadcast(hub.MessageEvent(payload), hub.All()); err != nil {
		sess.logger.Error("failed to broadcast message", "message", msg.ID, "error", err)
	}

	if err := m.ephemeral.Delete(ctx, ephemeral.TypingKey(identity.ID)); err != nil {
		sess.logger.Warn("failed to clear typing state", "error", err)
	}
	m.broadcastTyping(sess, false)
}

// handleTyping records the flag with a short TTL and tells everyone else.
// Store failures are logged and the broadcast still goes out.
func (m *Manager) handleTyping(ctx context.Context, sess *Session, typing bool) {
	identity := sess.identity
	unlock := m.typingLocks.Lock(identity.ID)
	defer unlock()

	key := ephemeral.TypingKey(identity.ID)
	var err error
	if typing {
		err = m.ephemeral.SetWithExpiry(ctx, key, identity.Name(), m.cfg.TypingTTL)
	} else {
		err = m.ephemeral.Delete(ctx, key)
	}
	if err != nil {
		sess.logger.Warn("failed to update typing state", "typing", typing, "error", err)
	}

	m.broadcastTyping(sess, typing)
}

func (m *Manager) broadcastTyping(sess *Session, typing bool) {
	ev := hub.TypingEvent(sess.identity.Name(), typing)
	if _, err := m.hub.Broadcast(ev, hub.AllExcept(sess.id)); err != nil {
		sess.logger.Error("failed to broadcast typing", "error", err)
	}
}

// reject sends an error event to the originating session only.
func (m *Manager) reject(sess *Session, code, message string) {
	if _, err := m.hub.Broadcast(hub.ErrorEvent(code, message), hub.Only(sess.id)); err != nil {
		sess.logger.Error("failed to send rejection", "code", code, "error", err)
	}
}

// Shutdown closes every connection with a going-away frame and waits for the
// sessions to finish their leave path. It returns context.DeadlineExceeded if
// they do not finish within timeout.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down sessions", "sessions", len(sessions))
	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.hub.Close()
		m.logger.Info("session shutdown completed")
		return nil
	case <-time.After(timeout):
		m.logger.Warn("session shutdown timed out", "timeout", timeout)
		return context.DeadlineExceeded
	}
}
