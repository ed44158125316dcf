package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ivotron/popper-badge-server/internal/events"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/status"
	"github.com/ivotron/popper-badge-server/internal/storage"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Watchers only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Badges are public
	},
}

// StatusMessage is sent to watchers on connect and after each saved record.
type StatusMessage struct {
	Repo     string `json:"repo"`
	CommitID string `json:"commit_id,omitempty"`
	Status   string `json:"status"`
	Color    string `json:"color"`
	// Timestamp is the record's Unix timestamp, zero when no record exists.
	Timestamp int64 `json:"timestamp"`
}

// WatchHandler streams status changes for a repository over WebSocket.
type WatchHandler struct {
	hub      *events.Hub
	resolver *resolver.Resolver
	log      *slog.Logger
}

// NewWatchHandler creates a new watch handler.
func NewWatchHandler(hub *events.Hub, res *resolver.Resolver, log *slog.Logger) *WatchHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WatchHandler{hub: hub, resolver: res, log: log}
}

// ServeHTTP handles GET /{org}/{repo}/ws.
func (h *WatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := storage.RepoKey(vars["org"], vars["repo"])

	// Subscribe before resolving so a write in between is not missed.
	ch, cancel := h.hub.Subscribe(key)
	defer cancel()

	cur, err := h.resolver.Resolve(r.Context(), key)
	if err != nil {
		h.log.Error("failed to resolve status", "repo", key, "error", err)
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.log.Debug("watcher connected", "repo", key)

	done := make(chan struct{})
	go h.readPump(conn, done)

	d := cur.Descriptor()
	first := StatusMessage{
		Repo:      key,
		CommitID:  cur.CommitID,
		Status:    d.Label,
		Color:     d.Color,
		Timestamp: cur.Timestamp,
	}
	if err := writeMessage(conn, first); err != nil {
		return
	}

	h.writePump(conn, key, ch, done)
	h.log.Debug("watcher disconnected", "repo", key)
}

// readPump discards client frames so control frames are processed.
func (h *WatchHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WatchHandler) writePump(conn *websocket.Conn, key string, ch <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-ch:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			d := status.Describe(status.Parse(ev.Status))
			msg := StatusMessage{
				Repo:      key,
				CommitID:  ev.CommitID,
				Status:    d.Label,
				Color:     d.Color,
				Timestamp: ev.Timestamp,
			}
			if err := writeMessage(conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg StatusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
