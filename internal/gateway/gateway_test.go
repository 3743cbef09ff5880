// ABOUTME: End-to-end tests over a live httptest server: websocket and REST
// ABOUTME: Real RS256 tokens against an httptest JWKS issuer; in-memory backends

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkwire/talkwire/internal/config"
	"github.com/talkwire/talkwire/internal/session"
	"github.com/talkwire/talkwire/internal/store"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "talkwire"
	testKid      = "test-key"
)

// One RSA key for the whole package; generating 2048-bit keys per test
// is needlessly slow.
var issuerKey = mustGenerateKey()

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

func jwksBody(kid string, key *rsa.PrivateKey) string {
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	return fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"use":"sig","n":%q,"e":%q}]}`, kid, n, e)
}

func mintToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKid
	signed, err := token.SignedString(issuerKey)
	require.NoError(t, err)
	return signed
}

type env struct {
	g        *Gateway
	srv      *httptest.Server
	shutdown func() error
}

// newEnv builds a gateway on in-memory backends, serves it from an
// httptest server, and runs the presence watch the way Run would.
func newEnv(t *testing.T) *env {
	t.Helper()

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, jwksBody(testKid, issuerKey))
	}))
	t.Cleanup(jwks.Close)

	cfg := &config.Config{
		Server: config.ServerConfig{HTTPAddr: "localhost:0"},
		Env:    config.EnvLocal,
		Auth: config.AuthConfig{
			Issuer:   testIssuer,
			Audience: testAudience,
			JWKSURL:  jwks.URL,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(t.Context(), cfg, logger)
	require.NoError(t, err)

	watchCtx, cancel := context.WithCancel(context.Background())
	g.watchCancel = cancel
	go func() {
		defer close(g.watchDone)
		_ = g.presence.Run(watchCtx)
	}()

	srv := httptest.NewServer(g.routes())

	e := &env{g: g, srv: srv}
	e.shutdown = sync.OnceValue(func() error {
		err := g.Shutdown(context.Background())
		srv.Close()
		return err
	})
	t.Cleanup(func() { require.NoError(t, e.shutdown()) })
	return e
}

func (e *env) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *env) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// dialAuthed connects, authenticates with a fresh token for sub, and
// consumes the initial presence snapshot every authenticated
// connection receives.
func (e *env) dialAuthed(t *testing.T, sub string) *websocket.Conn {
	t.Helper()
	ws := e.dial(t, nil)
	sendFrame(t, ws, map[string]any{"type": "auth", "token": mintToken(t, sub)})
	frame := readFrame(t, ws)
	require.Equal(t, "online_contacts", frame["type"])
	return ws
}

// session mints a token for sub and binds it to a new session id.
func (e *env) session(t *testing.T, sub string) *http.Cookie {
	t.Helper()
	sid := session.NewSessionID()
	require.NoError(t, e.g.sessions.Put(t.Context(), sid, mintToken(t, sub), time.Hour))
	return &http.Cookie{Name: sessionCookie, Value: sid}
}

func (e *env) do(t *testing.T, method, path string, cookie *http.Cookie, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readFrameTypes reads n frames and indexes them by type. Frames from
// different subjects have no delivery order between them.
func readFrameTypes(t *testing.T, ws *websocket.Conn, n int) map[string]map[string]any {
	t.Helper()
	frames := make(map[string]map[string]any, n)
	for range n {
		frame := readFrame(t, ws)
		frames[frame["type"].(string)] = frame
	}
	return frames
}

// expectClose reads until the connection fails and asserts the close code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, code), "want close code %d, got %v", code, err)
			return
		}
	}
}

// assertSilent asserts no frame arrives within a short window. The
// connection is unusable afterwards, so call it last.
func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.False(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "connection closed instead of idling")
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	resp = e.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(body))
}

func TestWS_AuthFrameOpensEventStreams(t *testing.T) {
	e := newEnv(t)

	ws := e.dial(t, nil)
	sendFrame(t, ws, map[string]any{"type": "auth", "token": mintToken(t, "alice")})

	frame := readFrame(t, ws)
	assert.Equal(t, "online_contacts", frame["type"])
	assert.Empty(t, frame["subs"])
}

func TestWS_SessionCookieAuthenticatesAtUpgrade(t *testing.T) {
	e := newEnv(t)
	cookie := e.session(t, "alice")

	header := http.Header{}
	header.Add("Cookie", cookie.String())
	ws := e.dial(t, header)

	// No auth frame sent; the snapshot proves the cookie authenticated us.
	frame := readFrame(t, ws)
	assert.Equal(t, "online_contacts", frame["type"])
}

func TestWS_BadTokenClosesConnection(t *testing.T) {
	e := newEnv(t)

	ws := e.dial(t, nil)
	sendFrame(t, ws, map[string]any{"type": "auth", "token": "not-a-token"})
	expectClose(t, ws, websocket.ClosePolicyViolation)
}

func TestWS_MalformedFrameClosesConnection(t *testing.T) {
	e := newEnv(t)

	ws := e.dial(t, nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expectClose(t, ws, websocket.CloseInvalidFramePayloadData)
}

func TestWS_CommandsBeforeAuthAreIgnored(t *testing.T) {
	e := newEnv(t)

	ws := e.dial(t, nil)
	sendFrame(t, ws, map[string]any{"type": "create_message", "talkId": "ffffffffffffffffffffffff", "text": "hi"})

	// The connection survives and can still authenticate.
	sendFrame(t, ws, map[string]any{"type": "auth", "token": mintToken(t, "alice")})
	frame := readFrame(t, ws)
	assert.Equal(t, "online_contacts", frame["type"])
}

func TestWS_UnknownFrameTypeIsIgnored(t *testing.T) {
	e := newEnv(t)

	ws := e.dialAuthed(t, "alice")
	sendFrame(t, ws, map[string]any{"type": "wave", "at": "everyone"})
	assertSilent(t, ws)
}

func TestWS_CreateMessageReachesRecipientOnly(t *testing.T) {
	e := newEnv(t)
	talk, err := e.g.talks.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	bob := e.dialAuthed(t, "bob")
	alice := e.dialAuthed(t, "alice")

	sendFrame(t, alice, map[string]any{"type": "create_message", "talkId": talk.ID.Hex(), "text": "hi bob"})

	frames := readFrameTypes(t, bob, 2)
	require.Contains(t, frames, "new")
	require.Contains(t, frames, "new_message")

	msg := frames["new"]["message"].(map[string]any)
	assert.Equal(t, "hi bob", msg["text"])
	assert.Equal(t, "alice", msg["owner"])
	assert.Equal(t, talk.ID.Hex(), msg["talkId"])

	noti := frames["new_message"]
	assert.Equal(t, talk.ID.Hex(), noti["talkId"])
	last := noti["last_message"].(map[string]any)
	assert.Equal(t, "hi bob", last["text"])

	// The author hears nothing about their own message.
	assertSilent(t, alice)
}

func TestWS_CreateTalkAnnouncesToBothMembers(t *testing.T) {
	e := newEnv(t)
	alice := e.dialAuthed(t, "alice")
	bob := e.dialAuthed(t, "bob")

	cookie := e.session(t, "alice")
	resp := e.do(t, http.MethodPost, "/api/talks", cookie, map[string]any{"kind": "chat", "sub": "bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, ws := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, ws)
		assert.Equal(t, "new_talk", frame["type"])
		talk := frame["talk"].(map[string]any)
		assert.Equal(t, "chat", talk["kind"])
		assert.ElementsMatch(t, []any{"alice", "bob"}, talk["subs"])
	}
}

func TestWS_EditByNonOwnerComesBackAsError(t *testing.T) {
	e := newEnv(t)
	talk, err := e.g.talks.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)
	created, err := e.g.messages.Create(t.Context(), "alice", talk.ID, "hi")
	require.NoError(t, err)

	bob := e.dialAuthed(t, "bob")
	sendFrame(t, bob, map[string]any{"type": "update_message", "id": created[0].ID.Hex(), "text": "hacked"})

	frame := readFrame(t, bob)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "not_owner", frame["code"])

	msgs, _, err := e.g.messages.FindByTalk(t.Context(), "alice", talk.ID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestWS_EditAndDeleteFanOut(t *testing.T) {
	e := newEnv(t)
	talk, err := e.g.talks.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)
	created, err := e.g.messages.Create(t.Context(), "alice", talk.ID, "first draft")
	require.NoError(t, err)
	require.Len(t, created, 1)
	id := created[0].ID

	bob := e.dialAuthed(t, "bob")
	alice := e.dialAuthed(t, "alice")

	sendFrame(t, alice, map[string]any{"type": "update_message", "id": id.Hex(), "text": "final"})
	frame := readFrame(t, bob)
	assert.Equal(t, "updated", frame["type"])
	assert.Equal(t, "alice", frame["by"])
	msg := frame["message"].(map[string]any)
	assert.Equal(t, "final", msg["text"])

	sendFrame(t, alice, map[string]any{"type": "delete_message", "id": id.Hex()})
	frame = readFrame(t, bob)
	assert.Equal(t, "deleted", frame["type"])
	assert.Equal(t, id.Hex(), frame["id"])

	// Deleting the newest message clears the talk preview.
	require.Eventually(t, func() bool {
		got, err := e.g.talks.Get(t.Context(), "alice", talk.ID)
		return err == nil && got.LastMessage == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWS_RecoverableFaultBecomesErrorEvent(t *testing.T) {
	e := newEnv(t)
	talk, err := e.g.talks.CreateChat(t.Context(), "bob", "carol")
	require.NoError(t, err)

	alice := e.dialAuthed(t, "alice")
	sendFrame(t, alice, map[string]any{"type": "create_message", "talkId": talk.ID.Hex(), "text": "let me in"})

	frame := readFrame(t, alice)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "not_member", frame["code"])

	// The connection stays open for further commands.
	sendFrame(t, alice, map[string]any{"type": "mark_seen_message", "id": "zzz"})
	frame = readFrame(t, alice)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "not_found", frame["code"])
}

func TestWS_PresenceSnapshotFollowsContactConnecting(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.g.store.UpsertContact(t.Context(), &store.Contact{
		SubA: "alice", SubB: "bob", Status: store.StatusAccepted,
	}))

	alice := e.dialAuthed(t, "alice")

	bob := e.dialAuthed(t, "bob")
	frame := readFrame(t, alice)
	assert.Equal(t, "online_contacts", frame["type"])
	assert.Equal(t, []any{"bob"}, frame["subs"])

	require.NoError(t, bob.Close())
	frame = readFrame(t, alice)
	assert.Equal(t, "online_contacts", frame["type"])
	assert.Empty(t, frame["subs"])
}

func TestREST_TalkLifecycle(t *testing.T) {
	e := newEnv(t)
	cookie := e.session(t, "alice")

	resp := e.do(t, http.MethodPost, "/api/talks", cookie, map[string]any{"kind": "chat", "sub": "bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created store.Talk
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, store.KindChat, created.Kind)
	assert.ElementsMatch(t, []string{"alice", "bob"}, created.Subs)

	resp = e.do(t, http.MethodGet, "/api/talks", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []*store.Talk
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	resp = e.do(t, http.MethodGet, "/api/talks/"+created.ID.Hex(), cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The same pair cannot chat twice.
	resp = e.do(t, http.MethodPost, "/api/talks", cookie, map[string]any{"kind": "chat", "sub": "bob"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var dup map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dup))
	assert.Equal(t, "already_exists", dup["code"])

	resp = e.do(t, http.MethodDelete, "/api/talks/"+created.ID.Hex(), cookie, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/talks/"+created.ID.Hex(), cookie, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var fail map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fail))
	assert.Equal(t, "not_found", fail["code"])
}

func TestREST_MessagesWindowMarksSeen(t *testing.T) {
	e := newEnv(t)
	talk, err := e.g.talks.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := e.g.messages.Create(t.Context(), "alice", talk.ID, text)
		require.NoError(t, err)
	}

	cookie := e.session(t, "bob")
	resp := e.do(t, http.MethodGet, "/api/talks/"+talk.ID.Hex()+"/messages?limit=2", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page messagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Text)
	assert.Equal(t, "three", page.Messages[1].Text)
	assert.Equal(t, 2, page.Seen)

	resp = e.do(t, http.MethodGet, "/api/talks/"+talk.ID.Hex()+"/messages?limit=nope", cookie, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/talks/"+talk.ID.Hex()+"/messages?before=yesterday", cookie, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_RequiresSession(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/api/talks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var fail map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fail))
	assert.Equal(t, "no_session", fail["code"])

	bogus := &http.Cookie{Name: sessionCookie, Value: "expired-or-forged"}
	resp = e.do(t, http.MethodGet, "/api/talks", bogus, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestREST_CreateTalkValidation(t *testing.T) {
	e := newEnv(t)
	cookie := e.session(t, "alice")

	resp := e.do(t, http.MethodPost, "/api/talks", cookie, map[string]any{"kind": "video", "sub": "bob"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var fail map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fail))
	assert.Equal(t, "unsupported_status", fail["code"])

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, e.srv.URL+"/api/talks", strings.NewReader("{broken"))
	require.NoError(t, err)
	req.AddCookie(cookie)
	raw, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestREST_LogoutRevokesSession(t *testing.T) {
	e := newEnv(t)
	cookie := e.session(t, "alice")

	resp := e.do(t, http.MethodPost, "/auth/logout", cookie, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cleared := false
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "logout should expire the session cookie")

	resp = e.do(t, http.MethodGet, "/api/talks", cookie, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestShutdown_TellsConnectionsServerIsGoingAway(t *testing.T) {
	e := newEnv(t)
	ws := e.dialAuthed(t, "alice")

	require.NoError(t, e.shutdown())
	expectClose(t, ws, websocket.CloseGoingAway)
}
