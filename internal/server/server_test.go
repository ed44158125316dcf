package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ivotron/popper-badge-server/internal/events"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/service"
	"github.com/ivotron/popper-badge-server/internal/storage"
	"github.com/ivotron/popper-badge-server/internal/submission"
)

type testEnv struct {
	store   *storage.SQLiteStorage
	hub     *events.Hub
	handler http.Handler
}

func newTestEnv(t *testing.T, policy submission.Policy, badge BadgeOptions) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	res := resolver.New(store, nil, nil)
	hub := events.NewHub()
	svc := service.New(store, submission.NewValidator(policy), res, hub, nil)

	return &testEnv{
		store: store,
		hub:   hub,
		handler: NewRouter(Deps{
			Service:  svc,
			Resolver: res,
			Hub:      hub,
			Badge:    badge,
		}),
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})

	w := env.get("/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})

	w := env.get("/healthz")
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("missing X-Request-ID on response")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = env.do(req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "abc-123")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})

	w := env.do(httptest.NewRequest(http.MethodDelete, "/org/repo", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
