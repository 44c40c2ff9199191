package syncer

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/models"
)

// ItemResult is the reply to a direct create, update or delete.
type ItemResult struct {
	OK     bool
	Status int
	Body   string
}

// CreateItem posts rec to collection right away, bypassing the pending
// queue. On success the collection is refreshed.
func (s *Service) CreateItem(ctx context.Context, collection string, rec models.Record) (ItemResult, error) {
	return s.write(ctx, http.MethodPost, collection, api.CollectionPath(collection), rec.Payload())
}

// UpdateItem replaces (PUT) or patches (PATCH) the record id.
func (s *Service) UpdateItem(ctx context.Context, collection string, id int64, fields models.Record, patch bool) (ItemResult, error) {
	method := http.MethodPut
	if patch {
		method = http.MethodPatch
	}
	return s.write(ctx, method, collection, api.ItemPath(collection, id), fields.Payload())
}

// DeleteItem deletes the record id.
func (s *Service) DeleteItem(ctx context.Context, collection string, id int64) (ItemResult, error) {
	return s.write(ctx, http.MethodDelete, collection, api.ItemPath(collection, id), nil)
}

// MarkReceived records that the documents of waybill id were handed in.
func (s *Service) MarkReceived(ctx context.Context, id int64, now time.Time) (ItemResult, error) {
	return s.UpdateItem(ctx, "registries", id, models.Record{
		"dispatch_info": "получили",
		"dataSDPL":      now.Format("2006-01-02T15:04:05"),
	}, true)
}

func (s *Service) write(ctx context.Context, method, collection, path string, body any) (ItemResult, error) {
	if !s.session.NetworkReady() {
		return ItemResult{}, api.ErrNotReady
	}
	resp, err := s.session.Client().Do(ctx, method, path, body)
	if err != nil {
		return ItemResult{}, err
	}
	res := ItemResult{Status: resp.Status, Body: string(resp.Body)}
	if err := api.Check(method, path, resp); err != nil {
		return res, err
	}
	if method == http.MethodPost && resp.IsEmptyList() {
		return res, &api.StatusError{Method: method, Path: path, Code: resp.Status, Body: "empty list"}
	}
	res.OK = true
	if r := s.engine.FetchCollection(ctx, collection, nil); !r.OK {
		s.log.Warn("refresh after write failed", zap.String("collection", collection), zap.Error(r.Err))
	}
	return res, nil
}
