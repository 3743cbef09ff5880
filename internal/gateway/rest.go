// ABOUTME: HTTP surface: websocket upgrade, talk/message REST handlers, health
// ABOUTME: Session cookies resolve to subs through the session store plus verifier

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/store"
)

const sessionCookie = "session_id"

// handleWS upgrades the request and runs the connection until it drops.
// A valid session cookie authenticates the connection immediately;
// otherwise the peer has authWait to send an auth frame.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := newConn(ws, g.bus, g.presence, g.metrics, g.logger)
	g.addConn(conn)
	defer g.removeConn(conn)
	defer conn.close()

	if sub, ok := g.sessionSub(r); ok {
		if err := conn.authenticate(r.Context(), sub); err != nil {
			g.logger.Error("session authentication failed", "error", err, "sub", sub)
			conn.closeWith(closeInternalError, "internal error")
			return
		}
	}

	conn.run(r.Context(), g.dispatcher)
}

// sessionSub resolves the request's session cookie to a verified sub.
func (g *Gateway) sessionSub(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}
	token, err := g.sessions.Lookup(r.Context(), cookie.Value)
	if err != nil {
		return "", false
	}
	sub, err := g.identity.Verify(token)
	if err != nil {
		return "", false
	}
	return sub, true
}

// authorized wraps a handler that needs a verified sub.
func (g *Gateway) authorized(next func(w http.ResponseWriter, r *http.Request, sub string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			writeFault(w, fault.Unauthorized(fault.CodeNoSession, "no session cookie"))
			return
		}
		token, err := g.sessions.Lookup(r.Context(), cookie.Value)
		if err != nil {
			writeFault(w, err)
			return
		}
		sub, err := g.identity.Verify(token)
		if err != nil {
			writeFault(w, err)
			return
		}
		next(w, r, sub)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, err error) {
	code, msg := publicFault(err)
	writeJSON(w, fault.HTTPStatus(err), map[string]string{"code": code, "error": msg})
}

type createTalkRequest struct {
	Kind    string   `json:"kind"`
	Sub     string   `json:"sub,omitempty"`
	Name    string   `json:"name,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Members []string `json:"members,omitempty"`
}

func (g *Gateway) handleCreateTalk(w http.ResponseWriter, r *http.Request, sub string) {
	var req createTalkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Invalid(fault.CodeInternal, "malformed request body"))
		return
	}

	var created *store.Talk
	var err error
	switch store.TalkKind(req.Kind) {
	case store.KindChat:
		created, err = g.talks.CreateChat(r.Context(), sub, req.Sub)
	case store.KindGroup:
		created, err = g.talks.CreateGroup(r.Context(), sub, req.Name, req.Picture, req.Members)
	default:
		err = fault.Invalid(fault.CodeUnsupportedStatus, "unsupported talk kind")
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (g *Gateway) handleListTalks(w http.ResponseWriter, r *http.Request, sub string) {
	talks, err := g.talks.ListBySub(r.Context(), sub)
	if err != nil {
		writeFault(w, err)
		return
	}
	if talks == nil {
		talks = []*store.Talk{}
	}
	writeJSON(w, http.StatusOK, talks)
}

func (g *Gateway) handleGetTalk(w http.ResponseWriter, r *http.Request, sub string) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	talk, err := g.talks.Get(r.Context(), sub, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, talk)
}

func (g *Gateway) handleDeleteTalk(w http.ResponseWriter, r *http.Request, sub string) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.talks.Delete(r.Context(), sub, id); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messagesResponse struct {
	Messages []*store.Message `json:"messages"`
	Seen     int              `json:"seen"`
}

// handleTalkMessages returns a talk's message window, oldest first.
// Reading marks foreign unseen messages seen, mirroring the live path.
func (g *Gateway) handleTalkMessages(w http.ResponseWriter, r *http.Request, sub string) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeFault(w, fault.Invalid(fault.CodeInternal, "limit must be a non-negative integer"))
			return
		}
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeFault(w, fault.Invalid(fault.CodeInternal, "before must be an RFC 3339 timestamp"))
			return
		}
	}

	msgs, seen, err := g.messages.FindByTalk(r.Context(), sub, id, limit, before)
	if err != nil {
		writeFault(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, Seen: seen})
}

// handleLogout revokes the session and clears the cookie. Always
// succeeds from the client's point of view.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := g.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			g.logger.Warn("session revoke failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports whether every backing dependency answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"store", g.store.Ping},
		{"cache", g.cache.Ping},
		{"bus", g.bus.Ping},
	}
	for _, check := range checks {
		if err := check.ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", check.name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(check.name + " unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("POST /auth/logout", g.handleLogout)

	mux.Handle("POST /api/talks", g.authorized(g.handleCreateTalk))
	mux.Handle("GET /api/talks", g.authorized(g.handleListTalks))
	mux.Handle("GET /api/talks/{id}", g.authorized(g.handleGetTalk))
	mux.Handle("DELETE /api/talks/{id}", g.authorized(g.handleDeleteTalk))
	mux.Handle("GET /api/talks/{id}/messages", g.authorized(g.handleTalkMessages))

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}
