package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ivotron/popper-badge-server/internal/storage"
	"github.com/ivotron/popper-badge-server/internal/submission"
)

type messageResponse struct {
	Message string `json:"message"`
}

// writeError maps core errors onto HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var verr *submission.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: verr.Error()})
	case errors.Is(err, storage.ErrStorage):
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "storage unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
