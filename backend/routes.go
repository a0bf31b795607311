package backend

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/livesync/httpapi"
	"github.com/hazyhaar/livesync/oplog"
)

// Handler returns the full HTTP surface: the websocket gateway wrapped
// around the REST routes.
func (b *Backend) Handler() http.Handler {
	return b.Gateway.Middleware(b.Routes())
}

// Routes builds the REST router: health, status and read-only document
// access for clients that do not hold a live connection.
func (b *Backend) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := b.Health(req.Context()); err != nil {
			httpapi.WriteError(b.logger, w, req, httpapi.E(http.StatusServiceUnavailable, err))
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, b.Status())
	})

	r.Get("/doc/{collection}/{id}", func(w http.ResponseWriter, req *http.Request) {
		snap, err := b.Store.Get(req.Context(),
			chi.URLParam(req, "collection"), chi.URLParam(req, "id"))
		if err != nil {
			httpapi.WriteError(b.logger, w, req, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"collection": snap.Collection,
			"id":         snap.ID,
			"version":    snap.Version,
			"data":       json.RawMessage(snap.Data),
		})
	})

	r.Get("/doc/{collection}/{id}/ops", func(w http.ResponseWriter, req *http.Request) {
		after := queryInt64(req, "after", 0)
		until := queryInt64(req, "until", 0)
		recs, err := b.Log.Ops(req.Context(),
			chi.URLParam(req, "collection"), chi.URLParam(req, "id"), after, until)
		if err != nil {
			httpapi.WriteError(b.logger, w, req, err)
			return
		}
		if recs == nil {
			recs = []oplog.CommitRecord{}
		}
		httpapi.WriteJSON(w, http.StatusOK, recs)
	})

	return r
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
