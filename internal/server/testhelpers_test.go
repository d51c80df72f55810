package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/auth1ery/outlet/internal/auth"
	"github.com/auth1ery/outlet/internal/ephemeral"
	"github.com/auth1ery/outlet/internal/hub"
	"github.com/auth1ery/outlet/internal/presence"
	"github.com/auth1ery/outlet/internal/store"
)

const (
	testSecret  = "test-secret"
	testOrigin  = "http://localhost:3000"
	readTimeout = 3 * time.Second
)

var errBroken = errors.New("backend unavailable")

type envSetup struct {
	configure func(*Config)
	messages  func(*store.Store) MessageStore
	typing    ephemeral.Store
}

type envOption func(*envSetup)

func withConfig(fn func(*Config)) envOption {
	return func(s *envSetup) { s.configure = fn }
}

func withMessages(fn func(*store.Store) MessageStore) envOption {
	return func(s *envSetup) { s.messages = fn }
}

func withTyping(st ephemeral.Store) envOption {
	return func(s *envSetup) { s.typing = st }
}

// testEnv is a running chat server backed by in-memory stores.
type testEnv struct {
	t        *testing.T
	cfg      *Config
	manager  *Manager
	store    *store.Store
	typing   ephemeral.Store
	verifier *auth.Verifier
	srv      *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	setup := envSetup{}
	for _, opt := range opts {
		opt(&setup)
	}

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.RateLimit.Burst = 1000
	if setup.configure != nil {
		setup.configure(cfg)
	}

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var messages MessageStore = db
	if setup.messages != nil {
		messages = setup.messages(db)
	}

	typing := setup.typing
	if typing == nil {
		typing = ephemeral.NewMemoryStore()
	}

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	manager := NewManager(cfg, verifier, messages, typing, discardLogger())
	srv := httptest.NewServer(SetupRoutes(manager))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = manager.Shutdown(readTimeout) })

	return &testEnv{
		t:        t,
		cfg:      cfg,
		manager:  manager,
		store:    db,
		typing:   typing,
		verifier: verifier,
		srv:      srv,
	}
}

// createUser stores a user and returns it with a valid token.
func (e *testEnv) createUser(username, displayName string) (*store.User, string) {
	e.t.Helper()

	user := &store.User{Username: username, DisplayName: displayName}
	require.NoError(e.t, e.store.CreateUser(context.Background(), user))

	token, err := e.verifier.Sign(user.ID, time.Hour)
	require.NoError(e.t, err)
	return user, token
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (e *testEnv) dialRaw(rawURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: readTimeout}
	return dialer.Dial(rawURL, header)
}

// dial opens a WebSocket connection with token. The connection is upgraded
// before authentication, so a bad token still dials successfully.
func (e *testEnv) dial(token string) *testClient {
	e.t.Helper()

	conn, resp, err := e.dialRaw(e.wsURL(token), nil)
	require.NoError(e.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	e.t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: e.t, conn: conn}
}

// join dials and waits for the first online list, which means the session
// is ACTIVE.
func (e *testEnv) join(token string, online ...string) *testClient {
	e.t.Helper()

	c := e.dial(token)
	c.expectOnline(online...)
	return c
}

// sessionIDsFor returns the ids of the live sessions bound to userID.
func (e *testEnv) sessionIDsFor(userID string) []string {
	m := e.manager
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, sess := range m.sessions {
		if sess.identity.ID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *testEnv) typingValue(userID string) (string, bool) {
	e.t.Helper()

	value, ok, err := e.typing.Get(context.Background(), ephemeral.TypingKey(userID))
	require.NoError(e.t, err)
	return value, ok
}

func (e *testEnv) messageCount() int64 {
	e.t.Helper()

	n, err := e.store.CountMessages(context.Background())
	require.NoError(e.t, err)
	return n
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *testClient) send(eventType string, payload any) {
	c.t.Helper()

	data, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) sendMessage(content string) {
	c.t.Helper()
	c.send("message", MessageRequest{Content: content})
}

func (c *testClient) sendTyping(typing bool) {
	c.t.Helper()
	c.send("typing", TypingRequest{Typing: typing})
}

func (c *testClient) read() frame {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var f frame
	require.NoError(c.t, json.Unmarshal(data, &f), "frame: %s", data)
	return f
}

func (c *testClient) expect(eventType string, out any) {
	c.t.Helper()

	f := c.read()
	require.Equal(c.t, eventType, f.Type, "payload: %s", f.Payload)
	require.NoError(c.t, json.Unmarshal(f.Payload, out))
}

func (c *testClient) expectOnline(usernames ...string) []presence.Entry {
	c.t.Helper()

	var entries []presence.Entry
	c.expect(hub.EventOnline, &entries)

	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Username)
	}
	if usernames == nil {
		usernames = []string{}
	}
	require.Equal(c.t, usernames, got)
	return entries
}

func (c *testClient) expectMessage() hub.MessagePayload {
	c.t.Helper()

	var p hub.MessagePayload
	c.expect(hub.EventMessage, &p)
	return p
}

func (c *testClient) expectTyping() hub.TypingPayload {
	c.t.Helper()

	var p hub.TypingPayload
	c.expect(hub.EventTyping, &p)
	return p
}

func (c *testClient) expectError() hub.ErrorPayload {
	c.t.Helper()

	var p hub.ErrorPayload
	c.expect(hub.EventError, &p)
	return p
}

// expectClose reads until the connection fails and returns the close frame.
// Events still queued ahead of the close frame are skipped.
func (c *testClient) expectClose() *websocket.CloseError {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(c.t, err, &closeErr)
		return closeErr
	}
}

// gatedStore blocks AppendMessage for one content value until released.
type gatedStore struct {
	*store.Store
	trigger string
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(db *store.Store, trigger string) *gatedStore {
	return &gatedStore{
		Store:   db,
		trigger: trigger,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) AppendMessage(ctx context.Context, userID, content string) (store.Message, error) {
	if content == s.trigger {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Store.AppendMessage(ctx, userID, content)
}

// faultyStore fails appends of one content value and, optionally, history
// and profile lookups.
type faultyStore struct {
	*store.Store
	failContent string
	failRecent  bool
	failProfile bool
}

func (s *faultyStore) FetchProfile(ctx context.Context, userID string) (store.Profile, error) {
	if s.failProfile {
		return store.Profile{}, errBroken
	}
	return s.Store.FetchProfile(ctx, userID)
}

func (s *faultyStore) AppendMessage(ctx context.Context, userID, content string) (store.Message, error) {
	if content == s.failContent {
		return store.Message{}, errBroken
	}
	return s.Store.AppendMessage(ctx, userID, content)
}

func (s *faultyStore) FetchRecent(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	if s.failRecent {
		return nil, errBroken
	}
	return s.Store.FetchRecent(ctx, limit)
}

// brokenEphemeral fails every operation.
type brokenEphemeral struct{}

func (brokenEphemeral) SetWithExpiry(context.Context, string, string, time.Duration) error {
	return errBroken
}

func (brokenEphemeral) Delete(context.Context, string) error {
	return errBroken
}

func (brokenEphemeral) Get(context.Context, string) (string, bool, error) {
	return "", false, errBroken
}

func (brokenEphemeral) Close() error {
	return nil
}
