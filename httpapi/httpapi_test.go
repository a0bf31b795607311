package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/livesync/oplog"
	"github.com/hazyhaar/livesync/snapshot"
)

func discardLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{E(http.StatusTeapot, errors.New("teapot")), http.StatusTeapot},
		{E(200, errors.New("not an error status")), http.StatusInternalServerError},
		{E(700, errors.New("out of range")), http.StatusInternalServerError},
		{&oplog.ErrInvalidOp{Reason: "missing collection"}, http.StatusBadRequest},
		{&snapshot.ErrNotFound{Collection: "notes", ID: "n1"}, http.StatusNotFound},
		{&snapshot.ErrVersionConflict{Collection: "notes", ID: "n1", Expected: 1, Current: 3}, http.StatusConflict},
		{&snapshot.ErrUnavailable{Op: "get", Cause: errors.New("down")}, http.StatusServiceUnavailable},
		{errors.New("anything else"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", &snapshot.ErrNotFound{Collection: "c", ID: "d"}), http.StatusNotFound},
	}
	for _, c := range cases {
		if got := StatusFromError(c.err); got != c.want {
			t.Errorf("StatusFromError(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/doc/notes/n1", nil)

	WriteError(discardLogger(t), rec, req, &snapshot.ErrNotFound{Collection: "notes", ID: "n1"})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "notes/n1") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
