package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ivotron/popper-badge-server/internal/status"
	"github.com/ivotron/popper-badge-server/internal/submission"
)

func TestBadgeRedirectURLs(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{Redirect: true})
	ctx := context.Background()

	_ = env.store.Upsert(ctx, "org/success", "a", 1, "SUCCESS")
	_ = env.store.Upsert(ctx, "org/gold", "a", 1, "GOLD")
	_ = env.store.Upsert(ctx, "org/fail", "a", 1, "FAIL")
	_ = env.store.Upsert(ctx, "org/weird", "a", 1, "OK")

	tests := []struct {
		path string
		want string
	}{
		{"/org/empty", "https://img.shields.io/badge/Popper-undefined-lightgrey.svg"},
		{"/org/success", "https://img.shields.io/badge/Popper-SUCCESS-green.svg"},
		{"/org/gold", "https://img.shields.io/badge/Popper-GOLD-yellow.svg"},
		{"/org/fail", "https://img.shields.io/badge/Popper-FAIL-red.svg"},
		{"/org/weird", "https://img.shields.io/badge/Popper-undefined-lightgrey.svg"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.get(tt.path)
			if w.Code != http.StatusFound {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if loc := w.Header().Get("Location"); loc != tt.want {
				t.Errorf("Location = %q, want %q", loc, tt.want)
			}
			if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
				t.Errorf("Cache-Control = %q, want no-cache", cc)
			}
		})
	}
}

func TestBadgeLatestTimestampWins(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{Redirect: true})
	ctx := context.Background()

	_ = env.store.Upsert(ctx, "org/repo", "new", 200, "GOLD")
	_ = env.store.Upsert(ctx, "org/repo", "old", 100, "FAIL")

	w := env.get("/org/repo")
	if loc := w.Header().Get("Location"); !strings.Contains(loc, "GOLD-yellow") {
		t.Errorf("Location = %q, want GOLD badge", loc)
	}
}

func TestBadgeCustomLabel(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{
		Redirect:   true,
		Label:      "my-ci tests",
		ShieldsURL: "https://badges.example.com/badge",
	})

	w := env.get("/org/repo")
	want := "https://badges.example.com/badge/my--ci_tests-undefined-lightgrey.svg"
	if loc := w.Header().Get("Location"); loc != want {
		t.Errorf("Location = %q, want %q", loc, want)
	}
}

func TestBadgeSVGMode(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})
	_ = env.store.Upsert(context.Background(), "org/repo", "a", 1530440638, "SUCCESS")

	for _, path := range []string{"/org/repo", "/org/repo/badge.svg"} {
		w := env.get(path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want %d", path, w.Code, http.StatusOK)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
			t.Errorf("%s: Content-Type = %q, want image/svg+xml", path, ct)
		}
		if lm := w.Header().Get("Last-Modified"); lm != "Sun, 01 Jul 2018 10:23:58 GMT" {
			t.Errorf("%s: Last-Modified = %q", path, lm)
		}
		body := w.Body.String()
		if !strings.Contains(body, "<svg") || !strings.Contains(body, "SUCCESS") {
			t.Errorf("%s: body is not a SUCCESS badge: %s", path, body)
		}
		if !strings.Contains(body, "#4c1") {
			t.Errorf("%s: body missing green fill", path)
		}
	}
}

func TestBadgeSVGAlwaysInline(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{Redirect: true})

	w := env.get("/org/repo/badge.svg")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if lm := w.Header().Get("Last-Modified"); lm != "Thu, 01 Jan 1970 00:00:00 GMT" {
		t.Errorf("Last-Modified = %q, want epoch", lm)
	}
	if !strings.Contains(w.Body.String(), "undefined") {
		t.Error("empty repo should render undefined")
	}
}

func TestBadgeSVGETag(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})

	w := env.get("/org/repo/badge.svg")
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	req := httptest.NewRequest(http.MethodGet, "/org/repo/badge.svg", nil)
	req.Header.Set("If-None-Match", etag)
	w = env.do(req)
	if w.Code != http.StatusNotModified {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotModified)
	}

	_ = env.store.Upsert(context.Background(), "org/repo", "a", 1, "FAIL")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Errorf("status after change = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestBadgeSVGIfNoneMatchForms(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})
	etag := env.get("/org/repo/badge.svg").Header().Get("ETag")

	tests := []struct {
		header string
		want   int
	}{
		{"*", http.StatusNotModified},
		{`"other", ` + etag, http.StatusNotModified},
		{"W/" + etag, http.StatusNotModified},
		{`"other",W/"nope"`, http.StatusOK},
		{`"other"`, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/org/repo/badge.svg", nil)
		req.Header.Set("If-None-Match", tt.header)
		if w := env.do(req); w.Code != tt.want {
			t.Errorf("If-None-Match %s: status = %d, want %d", tt.header, w.Code, tt.want)
		}
	}
}

func TestEtagMatchesMultipleHeaders(t *testing.T) {
	if !etagMatches([]string{`"a"`, `"b"`}, `"b"`) {
		t.Error(`etagMatches(["a" "b"], "b") = false, want true`)
	}
	if etagMatches(nil, `"b"`) {
		t.Error("etagMatches(nil) = true, want false")
	}
}

func TestBadgeStyles(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})

	flat := env.get("/org/repo/badge.svg").Body.String()
	square := env.get("/org/repo/badge.svg?style=flat-square").Body.String()
	unknown := env.get("/org/repo/badge.svg?style=nope").Body.String()

	if flat == square {
		t.Error("flat and flat-square badges should differ")
	}
	if unknown != flat {
		t.Error("unknown style should fall back to flat")
	}
}

func TestBadgeStorageFailure(t *testing.T) {
	env := newTestEnv(t, submission.Policy{}, BadgeOptions{})
	env.store.Close()

	w := env.get("/org/repo/badge.svg")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestFallbackBadgeEscapes(t *testing.T) {
	svg := string(fallbackBadge("<ci>", status.Describe(status.Fail)))
	if strings.Contains(svg, "<ci>") {
		t.Error("label not escaped")
	}
	if !strings.Contains(svg, "#e05d44") {
		t.Error("missing red fill")
	}
}
