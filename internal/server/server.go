// Package server exposes the badge service over HTTP.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ivotron/popper-badge-server/internal/events"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/service"
)

// Deps holds everything the router needs.
type Deps struct {
	Service  *service.Service
	Resolver *resolver.Resolver
	Hub      *events.Hub
	Badge    BadgeOptions
	Log      *slog.Logger
}

// NewRouter builds the HTTP routes:
//
//	POST /{org}/{repo}            submit a record
//	GET  /{org}/{repo}            badge (redirect or SVG)
//	GET  /{org}/{repo}/badge.svg  inline SVG badge
//	GET  /{org}/{repo}/list       record history
//	GET  /{org}/{repo}/ws         status stream
//	GET  /healthz                 liveness
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	badges := NewBadgeHandler(d.Resolver, d.Badge, log)
	records := NewRecordsHandler(d.Service, d.Resolver, log)

	r := mux.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(log))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/{org}/{repo}/badge.svg", badges.ServeSVG).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{org}/{repo}/list", records.List).Methods(http.MethodGet)
	if d.Hub != nil {
		r.Handle("/{org}/{repo}/ws", NewWatchHandler(d.Hub, d.Resolver, log)).Methods(http.MethodGet)
	}
	r.HandleFunc("/{org}/{repo}", badges.ServeBadge).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{org}/{repo}", records.Submit).Methods(http.MethodPost)

	return r
}
