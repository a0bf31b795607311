// Package gateway upgrades inbound HTTP requests into live sync
// connections.
//
// It mounts as an http.Handler middleware ahead of the application router:
// websocket upgrade requests on the sync path are intercepted, bound to a
// session identity, and handed to the registry; every other request falls
// through untouched. An upgrade failure is logged and abandoned, never
// fatal to the host process.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/livesync/idgen"
	"github.com/hazyhaar/livesync/registry"
	"github.com/hazyhaar/livesync/session"
)

// CookieName carries the session token.
const CookieName = "livesync_sid"

// Gateway is the connection upgrade endpoint.
type Gateway struct {
	reg      *registry.Registry
	sessions session.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	path      string
	queueSize int
	newUserID idgen.Generator
	newToken  idgen.Generator

	upgrades  atomic.Int64
	failures  atomic.Int64
	overflows atomic.Int64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithPath sets the sync endpoint path. Default: "/channel".
func WithPath(p string) Option {
	return func(g *Gateway) { g.path = p }
}

// WithQueueSize sets the per-connection outbound queue length. A client
// that falls further behind than this is disconnected. Default: 256.
func WithQueueSize(n int) Option {
	return func(g *Gateway) { g.queueSize = n }
}

// WithUserIDs sets the generator for newly minted user IDs.
func WithUserIDs(gen idgen.Generator) Option {
	return func(g *Gateway) { g.newUserID = gen }
}

// WithCheckOrigin overrides the websocket origin check. The default
// accepts all origins; deployments behind a browser-facing edge should
// restrict this.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(g *Gateway) { g.upgrader.CheckOrigin = fn }
}

// New creates a Gateway over the registry and the session identity store.
func New(reg *registry.Registry, sessions session.Store, opts ...Option) *Gateway {
	g := &Gateway{
		reg:       reg,
		sessions:  sessions,
		logger:    slog.Default(),
		path:      "/channel",
		queueSize: 256,
		newUserID: idgen.Prefixed("usr_", idgen.Default),
		newToken:  idgen.NanoID(32),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Middleware wraps next, intercepting upgrade requests on the sync path.
// Non-upgrade requests (and requests to any other path) pass through
// unchanged, so the gateway never consumes ordinary traffic.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != g.path || !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		g.serve(w, r)
	})
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			g.failures.Add(1)
			g.logger.Error("gateway: panic during upgrade", "panic", p, "remote", r.RemoteAddr)
		}
	}()

	userID, err := g.EnsureIdentity(w, r)
	if err != nil {
		g.failures.Add(1)
		g.logger.Error("gateway: identity resolution failed", "error", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.failures.Add(1)
		g.logger.Warn("gateway: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	g.upgrades.Add(1)

	conn := newWSConn(ws, g.queueSize, func() { g.overflows.Add(1) })
	go conn.writeLoop()

	sess := g.reg.Register(conn, userID)
	defer g.reg.Release(sess.ID)

	// Read loop. The registry handles frames sequentially per connection;
	// a read error (including normal close) ends the session.
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, context.Canceled) {
				g.logger.Debug("gateway: read ended", "session", sess.ID, "error", err)
			}
			return
		}
		sess.Handle(r.Context(), raw)
	}
}

// EnsureIdentity resolves the request's session cookie to a userId,
// minting and persisting a new identity on first contact. Idempotent: the
// same cookie always resolves to the same user for the life of the
// logical session, across transport reconnects.
func (g *Gateway) EnsureIdentity(w http.ResponseWriter, r *http.Request) (string, error) {
	ctx := r.Context()

	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		rec, err := g.sessions.Get(ctx, c.Value)
		if err == nil {
			return rec.UserID, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return "", err
		}
		// Unknown or expired token: fall through and mint a fresh one.
	}

	token := g.newToken()
	userID := g.newUserID()
	if err := g.sessions.Put(ctx, token, session.Record{UserID: userID}); err != nil {
		return "", err
	}

	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(session.DefaultTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return userID, nil
}

// Status returns a JSON-serializable summary.
func (g *Gateway) Status() map[string]any {
	return map[string]any{
		"path":      g.path,
		"upgrades":  g.upgrades.Load(),
		"failures":  g.failures.Load(),
		"overflows": g.overflows.Load(),
	}
}

// Overflows returns the number of connections dropped because their
// outbound queue filled.
func (g *Gateway) Overflows() int64 {
	return g.overflows.Load()
}
