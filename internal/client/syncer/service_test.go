package syncer

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/models"
)

func TestService_MergedView(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save("registries", []any{
		map[string]any{"id": 1, "numberPL": "A-1"},
		map[string]any{"id": 1, "numberPL": "A-1 duplicate"},
		map[string]any{"id": 2, "numberPL": "A-2", "temp_id": "temp_old"},
		map[string]any{"temp_id": "temp_stray", "numberPL": "stray"},
		"garbage",
	}))
	enqueue(t, h.svc.pending, "registries", models.Record{"temp_id": "temp_p", "numberPL": "P-1"})
	enqueue(t, h.svc.pending, "registries", models.Record{"temp_id": "temp_dup", "numberPL": "P-2"})
	require.NoError(t, h.svc.conflicts.Mark("registries", models.Record{"temp_id": "temp_c", "numberPL": "C-1"}, "clash"))
	require.NoError(t, h.svc.conflicts.Mark("registries", models.Record{"temp_id": "temp_dup", "numberPL": "P-2"}, "clash"))

	view, err := h.svc.MergedView("registries")
	require.NoError(t, err)
	require.Len(t, view, 5)

	var statuses []any
	for _, rec := range view {
		_, hasID := rec.ID()
		hasTemp := rec.TempID() != ""
		assert.True(t, hasID != hasTemp, "record %v must carry exactly one identifier", rec)
		statuses = append(statuses, rec[models.FieldStatus])
	}
	assert.Equal(t, []any{
		models.StatusSynced, models.StatusSynced,
		models.StatusUnsynced, models.StatusUnsynced,
		models.StatusConflict,
	}, statuses)
	assert.Equal(t, "A-1", view[0]["numberPL"])
	assert.Equal(t, "temp_c", view[4].TempID())
	assert.Equal(t, "clash", view[4][models.FieldConflictReason])
}

func TestService_MergedViewDoesNotTouchDisk(t *testing.T) {
	h := newHarness(t)
	enqueue(t, h.svc.pending, "cars", models.Record{"temp_id": "temp_1", "plate": "A123BC"})

	view, err := h.svc.MergedView("cars")
	require.NoError(t, err)
	require.Len(t, view, 1)
	view[0]["plate"] = "changed"

	rec, ok, err := h.svc.pending.Get("cars", "temp_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A123BC", rec["plate"])
	_, tagged := rec[models.FieldStatus]
	assert.False(t, tagged)
}

func TestService_EnqueueAndSubmit(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)
	defer h.svc.Close()

	tempID, err := h.svc.EnqueueAndSubmit(ctx, "registries", models.Record{
		"id": 99, "numberPL": "N-1", "_status": "conflict", "conflict_reason": "old",
	})
	require.NoError(t, err)
	assert.Contains(t, tempID, "temp_")

	select {
	case out := <-h.svc.Submissions():
		assert.Equal(t, tempID, out.TempID)
		assert.Equal(t, StateConfirmed, out.State)
	case <-time.After(5 * time.Second):
		t.Fatal("background submission did not finish")
	}

	posts := 0
	for _, c := range h.api.calls() {
		if c.Method == http.MethodPost {
			posts++
			assert.Equal(t, models.Record{"numberPL": "N-1"}, c.Body)
		}
	}
	assert.Equal(t, 1, posts)
}

func TestService_EnqueueWhileOfflineStaysPending(t *testing.T) {
	h := newHarness(t)
	h.session.Client().ClearCredentials()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)
	defer h.svc.Close()

	tempID, err := h.svc.EnqueueAndSubmit(ctx, "registries", models.Record{"temp_id": "temp_mine", "numberPL": "N-1"})
	require.NoError(t, err)
	assert.Equal(t, "temp_mine", tempID)

	pending, conflicts, err := h.svc.Outstanding("registries")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Zero(t, conflicts)
	assert.Empty(t, h.api.calls())

	_, err = h.svc.UploadAllPending(ctx, "registries", nil)
	assert.ErrorIs(t, err, api.ErrNotReady)
	_, err = h.svc.Resync(ctx, []string{"registries"}, nil)
	assert.ErrorIs(t, err, api.ErrNotReady)
	_, err = h.svc.CreateItem(ctx, "drivers", models.Record{"name": "x"})
	assert.ErrorIs(t, err, api.ErrNotReady)
}

func TestService_Resync(t *testing.T) {
	h := newHarness(t)
	h.api.setList("podryads", `[{"id": 1}]`)
	h.api.setList("drivers", `[{"id": 2}]`)
	h.api.setStatus("cars", http.StatusInternalServerError)

	results, err := h.svc.Resync(context.Background(), []string{"podryads", "drivers", "cars"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results["podryads"].OK)
	assert.True(t, results["drivers"].OK)
	assert.False(t, results["cars"].OK)
}

func TestService_ResyncStopsWhenFirstFetchIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.api.setStatus("podryads", http.StatusUnauthorized)

	results, err := h.svc.Resync(context.Background(), []string{"podryads", "drivers", "cars"}, nil)
	require.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Len(t, results, 1)
	assert.Len(t, h.api.calls(), 1)
}

func TestService_ResyncReportsLaterUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.api.setStatus("cars", http.StatusForbidden)

	results, err := h.svc.Resync(context.Background(), []string{"podryads", "drivers", "cars"}, nil)
	require.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Len(t, results, 3)
}

func TestService_ResyncOne(t *testing.T) {
	h := newHarness(t)
	h.api.setList("seasons", `[{"id": 1, "name": "2026"}]`)

	res, err := h.svc.ResyncOne(context.Background(), "seasons", nil)
	require.NoError(t, err)
	assert.True(t, res.OK)

	h.api.setStatus("seasons", http.StatusUnauthorized)
	_, err = h.svc.ResyncOne(context.Background(), "seasons", nil)
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestService_ConflictLifecycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save("registries", []any{
		map[string]any{"id": 7, "numberPL": "AB-1", "driver": 3},
	}))
	enqueue(t, h.svc.pending, "registries", models.Record{"temp_id": "temp_1", "numberPL": "AB-1", "driver": 5})
	enqueue(t, h.svc.pending, "registries", models.Record{"temp_id": "temp_2", "numberPL": "AB-1", "driver": 6})
	_, err := h.svc.UploadAllPending(context.Background(), "registries", nil)
	require.NoError(t, err)

	conflicts, err := h.svc.conflicts.List("registries")
	require.NoError(t, err)
	require.Len(t, conflicts, 2)

	require.NoError(t, h.svc.DiscardConflict("registries", "temp_2"))

	edited := conflicts[0].Clone()
	edited["numberPL"] = "AB-2"
	tempID, err := h.svc.RequeueConflict(context.Background(), "registries", edited)
	require.NoError(t, err)
	assert.Equal(t, "temp_1", tempID)

	rec, ok, err := h.svc.pending.Get("registries", "temp_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "AB-2", rec["numberPL"])
	_, hasReason := rec[models.FieldConflictReason]
	assert.False(t, hasReason)

	pending, left, err := h.svc.Outstanding("registries")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Zero(t, left)

	_, err = h.svc.RequeueConflict(context.Background(), "registries", models.Record{"numberPL": "x"})
	assert.Error(t, err)
}

func TestService_RequeueKeepsConflictWhenEnqueueFails(t *testing.T) {
	h := newHarness(t)
	conflict := models.Record{"temp_id": "temp_1", "numberPL": "AB-1", "driver": 5}
	require.NoError(t, h.svc.conflicts.Mark("registries", conflict, "ПЛ AB-1 уже существует"))
	require.NoError(t, os.Mkdir(h.store.Path(storage.PendingKey("registries")), 0o755))

	edited := conflict.Clone()
	edited["numberPL"] = "AB-2"
	_, err := h.svc.RequeueConflict(context.Background(), "registries", edited)
	require.Error(t, err)

	conflicts, err := h.svc.conflicts.List("registries")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "AB-1", conflicts[0]["numberPL"])
	assert.Empty(t, h.api.calls())
}

func TestService_Items(t *testing.T) {
	h := newHarness(t)
	h.api.setList("drivers", `[{"id": 1, "name": "Иванов"}]`)
	ctx := context.Background()

	res, err := h.svc.CreateItem(ctx, "drivers", models.Record{"temp_id": "temp_x", "name": "Иванов"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusCreated, res.Status)

	_, err = h.svc.UpdateItem(ctx, "drivers", 1, models.Record{"name": "Петров"}, false)
	require.NoError(t, err)
	_, err = h.svc.DeleteItem(ctx, "drivers", 1)
	require.NoError(t, err)

	when := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	_, err = h.svc.MarkReceived(ctx, 9, when)
	require.NoError(t, err)

	var methods []string
	var last request
	for _, c := range h.api.calls() {
		if c.Method != http.MethodGet {
			methods = append(methods, c.Method)
			last = c
		}
	}
	assert.Equal(t, []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}, methods)
	assert.Equal(t, "/api/v1/registries/9/", last.Path)
	assert.Equal(t, models.Record{"dispatch_info": "получили", "dataSDPL": "2026-03-04T05:06:07"}, last.Body)
	assert.Equal(t, 4, h.api.count(http.MethodGet), "each write refreshes its collection")

	recs, err := h.svc.LocalData("drivers")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestService_CreateItemEmptyListIsRejected(t *testing.T) {
	h := newHarness(t)
	h.api.setPost(http.StatusCreated, `[]`)

	res, err := h.svc.CreateItem(context.Background(), "registries", models.Record{"numberPL": "A-1"})
	require.ErrorIs(t, err, api.ErrRejected)
	assert.False(t, res.OK)
	assert.Zero(t, h.api.count(http.MethodGet))
}

func TestSyncOnce(t *testing.T) {
	h := newHarness(t)
	h.api.setList("drivers", `[{"id": 1}]`)
	enqueue(t, h.svc.pending, "registries", models.Record{"temp_id": "temp_1", "numberPL": "A-1"})

	SyncOnce(context.Background(), h.svc, []string{"registries"}, []string{"drivers"}, nil)

	n, err := h.svc.pending.Count("registries")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, h.store.Exists("drivers"))
}

func TestStartAutoSync(t *testing.T) {
	h := newHarness(t)
	enqueue(t, h.svc.pending, "registries", models.Record{"temp_id": "temp_1", "numberPL": "A-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartAutoSync(ctx, h.svc, 10*time.Millisecond, []string{"registries"}, nil, nil)

	assert.Eventually(t, func() bool {
		n, err := h.svc.pending.Count("registries")
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}
