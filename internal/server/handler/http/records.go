package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/middleware"
	"github.com/agroup14/waybill/internal/models"
)

// RecordService defines the collection operations required by the RecordHandler.
type RecordService interface {
	List(ctx context.Context, collection string) ([]models.Record, error)
	// Create reports created=false when the record was refused as a duplicate.
	Create(ctx context.Context, collection string, data models.Record, userID int64) (models.Record, bool, error)
	Update(ctx context.Context, collection string, id int64, data models.Record) (models.Record, error)
	Patch(ctx context.Context, collection string, id int64, fields models.Record) (models.Record, error)
	Delete(ctx context.Context, collection string, id int64) error
}

// RecordHandler serves the generic collection endpoints.
type RecordHandler struct {
	Records RecordService
	Log     *zap.Logger
}

// List handles GET /{collection}/.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Records.List(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// Create handles POST /{collection}/. A duplicate is answered with 201 and
// an empty list, which clients treat as a rejection.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	rec, created, err := h.Records.Create(r.Context(), chi.URLParam(r, "collection"), data, middleware.GetUserIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusCreated, []models.Record{})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT /{collection}/{id}/.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	h.modify(w, r, h.Records.Update)
}

// Patch handles PATCH /{collection}/{id}/.
func (h *RecordHandler) Patch(w http.ResponseWriter, r *http.Request) {
	h.modify(w, r, h.Records.Patch)
}

// Delete handles DELETE /{collection}/{id}/.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.Records.Delete(r.Context(), chi.URLParam(r, "collection"), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modifyFunc func(ctx context.Context, collection string, id int64, data models.Record) (models.Record, error)

func (h *RecordHandler) modify(w http.ResponseWriter, r *http.Request, fn modifyFunc) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	data, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	rec, err := fn(r.Context(), chi.URLParam(r, "collection"), id, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *RecordHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.Log != nil {
		h.Log.Debug("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, err)
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeDetail(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (models.Record, bool) {
	var data models.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data == nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return nil, false
	}
	return data, true
}
