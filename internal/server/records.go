package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/service"
	"github.com/ivotron/popper-badge-server/internal/storage"
	"github.com/ivotron/popper-badge-server/internal/submission"
)

const maxSubmissionBytes = 1 << 20

// Response messages for POST /{org}/{repo}.
const (
	MessageCreated  = "Record successfully created"
	MessageNotSaved = "Record received but not saved"
)

// RecordsHandler handles submissions and history listing.
type RecordsHandler struct {
	service  *service.Service
	resolver *resolver.Resolver
	log      *slog.Logger
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(svc *service.Service, res *resolver.Resolver, log *slog.Logger) *RecordsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RecordsHandler{service: svc, resolver: res, log: log}
}

// Submit handles POST /{org}/{repo}.
func (h *RecordsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := storage.RepoKey(vars["org"], vars["repo"])

	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBytes)
	fields, err := parseFields(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	}

	outcome, err := h.service.Submit(r.Context(), key, fields)
	if err != nil {
		var verr *submission.ValidationError
		if errors.As(err, &verr) {
			h.log.Debug("rejected submission", "repo", key, "error", err)
			writeError(w, err)
			return
		}
		h.log.Error("failed to save record", "repo", key, "commit", fields.CommitID, "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "failed to save record"})
		return
	}

	switch outcome {
	case service.AcceptedNotPersisted:
		writeJSON(w, http.StatusOK, messageResponse{Message: MessageNotSaved})
	default:
		writeJSON(w, http.StatusCreated, messageResponse{Message: MessageCreated})
	}
}

// parseFields reads a form (urlencoded or multipart) or JSON body.
func parseFields(r *http.Request) (submission.Fields, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return submission.Fields{}, fmt.Errorf("invalid JSON body: %w", err)
		}
		return submission.Fields{
			CommitID:  jsonString(body["commit_id"]),
			Timestamp: jsonString(body["timestamp"]),
			Status:    jsonString(body["status"]),
			Branch:    jsonString(body["branch"]),
		}, nil
	}

	return submission.Fields{
		CommitID:  r.PostFormValue("commit_id"),
		Timestamp: r.PostFormValue("timestamp"),
		Status:    r.PostFormValue("status"),
		Branch:    r.PostFormValue("branch"),
	}, nil
}

// jsonString accepts strings and numbers; anything else counts as absent.
func jsonString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

type recordResponse struct {
	CommitID  string `json:"commit_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// List handles GET /{org}/{repo}/list.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := storage.RepoKey(vars["org"], vars["repo"])

	entries, err := h.resolver.History(r.Context(), key)
	if err != nil {
		h.log.Error("failed to list records", "repo", key, "error", err)
		writeError(w, err)
		return
	}

	resp := make([]recordResponse, len(entries))
	for i, e := range entries {
		resp[i] = recordResponse{
			CommitID:  e.CommitID,
			Status:    e.Status,
			Timestamp: time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
