package server

import (
	"bytes"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/status"
	"github.com/ivotron/popper-badge-server/internal/storage"
	"golang.org/x/crypto/sha3"
)

//go:embed badges/*.svg
var badgeFS embed.FS

const defaultStyle = "flat"

// BadgeOptions controls badge rendering.
type BadgeOptions struct {
	// Redirect sends GET /{org}/{repo} to ShieldsURL instead of serving SVG.
	Redirect   bool
	Label      string
	ShieldsURL string
}

// BadgeHandler serves build status badges.
type BadgeHandler struct {
	resolver  *resolver.Resolver
	opts      BadgeOptions
	log       *slog.Logger
	templates map[string]*template.Template
}

// NewBadgeHandler creates a new badge handler.
func NewBadgeHandler(res *resolver.Resolver, opts BadgeOptions, log *slog.Logger) *BadgeHandler {
	if log == nil {
		log = slog.Default()
	}
	if opts.Label == "" {
		opts.Label = "Popper"
	}
	if opts.ShieldsURL == "" {
		opts.ShieldsURL = "https://img.shields.io/badge"
	}

	h := &BadgeHandler{
		resolver:  res,
		opts:      opts,
		log:       log,
		templates: make(map[string]*template.Template),
	}

	// Load all badge templates
	for _, style := range []string{"flat", "flat-square"} {
		data, err := badgeFS.ReadFile("badges/" + style + ".svg")
		if err != nil {
			log.Error("failed to load badge template", "style", style, "error", err)
			continue
		}
		tmpl, err := template.New(style).Parse(string(data))
		if err != nil {
			log.Error("failed to parse badge template", "style", style, "error", err)
			continue
		}
		h.templates[style] = tmpl
	}

	return h
}

// BadgeData holds the template data for rendering a badge.
type BadgeData struct {
	Label        string
	Message      string
	Color        string
	LabelWidth   int
	MessageWidth int
	Width        int
	LabelX       float64
	MessageX     float64
}

// ServeBadge handles GET /{org}/{repo}: a redirect or inline SVG depending
// on configuration.
func (h *BadgeHandler) ServeBadge(w http.ResponseWriter, r *http.Request) {
	if !h.opts.Redirect {
		h.ServeSVG(w, r)
		return
	}

	cur, ok := h.resolve(w, r)
	if !ok {
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.Redirect(w, r, h.shieldsURL(cur.Descriptor()), http.StatusFound)
}

// ServeSVG handles GET /{org}/{repo}/badge.svg.
// Query params: ?style=flat-square
func (h *BadgeHandler) ServeSVG(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.resolve(w, r)
	if !ok {
		return
	}

	style := r.URL.Query().Get("style")
	if style == "" {
		style = defaultStyle
	}
	svg := h.renderBadge(style, cur.Descriptor())

	sum := sha3.Sum256(svg)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Last-Modified", cur.LastModified().Format(http.TimeFormat))
	w.Header().Set("ETag", etag)

	if etagMatches(r.Header.Values("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		return
	}
	w.Write(svg)
}

func (h *BadgeHandler) resolve(w http.ResponseWriter, r *http.Request) (resolver.Current, bool) {
	vars := mux.Vars(r)
	key := storage.RepoKey(vars["org"], vars["repo"])

	cur, err := h.resolver.Resolve(r.Context(), key)
	if err != nil {
		h.log.Error("failed to resolve status", "repo", key, "error", err)
		writeError(w, err)
		return resolver.Current{}, false
	}
	return cur, true
}

// etagMatches applies the weak comparison If-None-Match uses: "*" matches
// anything and W/ prefixes are ignored.
func etagMatches(headers []string, etag string) bool {
	for _, h := range headers {
		for _, tag := range strings.Split(h, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || strings.TrimPrefix(tag, "W/") == etag {
				return true
			}
		}
	}
	return false
}

// shieldsEscaper applies the shields.io static badge escaping rules.
var shieldsEscaper = strings.NewReplacer("-", "--", "_", "__", " ", "_")

func (h *BadgeHandler) shieldsURL(d status.Descriptor) string {
	label := url.PathEscape(shieldsEscaper.Replace(h.opts.Label))
	message := url.PathEscape(shieldsEscaper.Replace(d.Label))
	return fmt.Sprintf("%s/%s-%s-%s.svg", h.opts.ShieldsURL, label, message, d.Color)
}

// textWidth approximates Verdana 11px, which averages about 7px per glyph.
func textWidth(s string) int {
	return len([]rune(s))*7 + 10
}

func (h *BadgeHandler) renderBadge(style string, d status.Descriptor) []byte {
	tmpl, ok := h.templates[style]
	if !ok {
		tmpl = h.templates[defaultStyle]
	}
	if tmpl == nil {
		return fallbackBadge(h.opts.Label, d)
	}

	lw := textWidth(h.opts.Label)
	mw := textWidth(d.Label)
	data := BadgeData{
		Label:        h.opts.Label,
		Message:      d.Label,
		Color:        d.Hex,
		LabelWidth:   lw,
		MessageWidth: mw,
		Width:        lw + mw,
		LabelX:       float64(lw) / 2,
		MessageX:     float64(lw) + float64(mw)/2,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		h.log.Warn("failed to render badge", "style", style, "error", err)
		return fallbackBadge(h.opts.Label, d)
	}
	return buf.Bytes()
}

// fallbackBadge returns a simple badge if templates fail
func fallbackBadge(label string, d status.Descriptor) []byte {
	lw, mw := textWidth(label), textWidth(d.Label)
	return []byte(fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="20">
  <rect width="%d" height="20" fill="#555"/>
  <rect x="%d" width="%d" height="20" fill="%s"/>
  <g fill="#fff" text-anchor="middle" font-family="sans-serif" font-size="11">
    <text x="%d" y="14">%s</text>
    <text x="%d" y="14">%s</text>
  </g>
</svg>`, lw+mw, lw, lw, mw, d.Hex, lw/2, template.HTMLEscapeString(label), lw+mw/2, template.HTMLEscapeString(d.Label)))
}
