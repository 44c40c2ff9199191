package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agroup14/waybill/internal/models"
	"github.com/agroup14/waybill/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, service.ErrBadCollection):
		writeDetail(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrUserExists):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrEmptyCredentials):
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}
