/*
handlers_test.go - HTTP tests for the allocation API

Tests for:
- Resource creation through the factory and kind validation
- Exclusive, shareable and consumable admission over HTTP
- Error body codes and status mapping
- Ledger running balance, restock, adjustment privilege
- Audit runs and ops endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/store/sqlite"
)

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zaptest.NewLogger(t)
	svc := allocation.NewService(store, allocation.WithLogger(log))
	return NewHandler(store, svc, log)
}

type client struct {
	t      *testing.T
	router *chi.Mux
}

func newClient(t *testing.T) (*client, *Handler) {
	h := setupTestHandler(t)
	return &client{t: t, router: NewRouter(h, nil)}, h
}

func (c *client) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(c.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (c *client) event(id, start, end string) {
	c.t.Helper()
	rec := c.do(http.MethodPut, "/api/events/"+id, map[string]string{"start": start, "end": end})
	require.Equal(c.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateResource_AndList(t *testing.T) {
	c, _ := newClient(t)

	rec := c.do(http.MethodPost, "/api/resources", `{"id":"hall","name":"Hall","kind":"shareable","max_concurrent_usage":4}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ResourceDTO](t, rec)
	assert.Equal(t, "shareable", created.Kind)
	require.NotNil(t, created.MaxConcurrentUsage)
	assert.Equal(t, 4, *created.MaxConcurrentUsage)
	assert.Nil(t, created.CachedStock)

	rec = c.do(http.MethodPost, "/api/resources", `{"id":"badges","name":"Badges","kind":"consumable","initial_stock":12}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	badges := decode[ResourceDTO](t, rec)
	require.NotNil(t, badges.CachedStock)
	assert.Equal(t, 12, *badges.CachedStock)

	rec = c.do(http.MethodGet, "/api/resources?kind=consumable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ResourceDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "badges", list[0].ID)

	rec = c.do(http.MethodGet, "/api/resources/hall", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateResource_Rejections(t *testing.T) {
	c, _ := newClient(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"shareable without cap", `{"name":"Hall","kind":"shareable"}`, http.StatusBadRequest, allocation.CodeCapacityNotConfigured},
		{"cap on exclusive", `{"name":"Room","max_concurrent_usage":2}`, http.StatusBadRequest, allocation.CodeCapacityNotAllowed},
		{"unknown kind", `{"name":"Van","kind":"rentable"}`, http.StatusBadRequest, allocation.CodeInvalidKind},
		{"bad json", `{"name":`, http.StatusBadRequest, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.do(http.MethodPost, "/api/resources", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	rec := c.do(http.MethodPost, "/api/resources", `{"id":"dup","name":"Dup"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = c.do(http.MethodPost, "/api/resources", `{"id":"dup","name":"Dup"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAllocate_ExclusiveOverlapIsConflict(t *testing.T) {
	// GIVEN: An exclusive room booked 10:00-11:00
	// WHEN: An event 10:30-11:30 asks for it, then one at 11:00-12:00
	// THEN: The first is a 409 naming the booked event; the touching one succeeds

	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"room","name":"Room"}`).Code)
	c.event("e1", "2030-06-10T10:00:00Z", "2030-06-10T11:00:00Z")
	c.event("e2", "2030-06-10T10:30:00Z", "2030-06-10T11:30:00Z")
	c.event("e3", "2030-06-10T11:00:00Z", "2030-06-10T12:00:00Z")

	rec := c.do(http.MethodPost, "/api/events/e1/allocations", AllocateRequest{ResourceID: "room", Quantity: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = c.do(http.MethodPost, "/api/events/e2/allocations", AllocateRequest{ResourceID: "room", Quantity: 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "exclusive_overlap", resp.Code)
	assert.Equal(t, []any{"e1"}, resp.Details["conflicting_events"])

	rec = c.do(http.MethodPost, "/api/events/e3/allocations", AllocateRequest{ResourceID: "room", Quantity: 1})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = c.do(http.MethodGet, "/api/resources/room/allocations", nil)
	assert.Len(t, decode[[]AllocationDTO](t, rec), 2)

	// A second binding of the same pair is a duplicate.
	rec = c.do(http.MethodPost, "/api/events/e1/allocations", AllocateRequest{ResourceID: "room", Quantity: 1})
	assert.Equal(t, "duplicate_binding", decode[ErrorResponse](t, rec).Code)
}

func TestAllocate_ShareableCapacityAndUsage(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"mics","name":"Mics","kind":"shareable","max_concurrent_usage":4}`).Code)
	c.event("talk", "2030-06-10T09:00:00Z", "2030-06-10T12:00:00Z")
	c.event("panel", "2030-06-10T11:00:00Z", "2030-06-10T13:00:00Z")

	rec := c.do(http.MethodPost, "/api/events/talk/allocations", AllocateRequest{ResourceID: "mics", Quantity: 3})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = c.do(http.MethodPost, "/api/events/panel/allocations", AllocateRequest{ResourceID: "mics", Quantity: 2})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "capacity_exceeded", resp.Code)
	assert.EqualValues(t, 3, resp.Details["in_use"])
	assert.EqualValues(t, 2, resp.Details["requested"])
	assert.EqualValues(t, 4, resp.Details["limit"])

	rec = c.do(http.MethodGet, "/api/resources/mics/usage?at=2030-06-10T10:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[UsageDTO](t, rec)
	assert.Equal(t, 4, usage.Capacity)
	assert.Equal(t, 3, usage.InUse)
	assert.Equal(t, "0.75", usage.Utilization.String())

	rec = c.do(http.MethodGet, "/api/resources/mics/usage?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumableLifecycle(t *testing.T) {
	// GIVEN: 100 badges in stock
	// WHEN: 60 are allocated, 50 more are requested, the 60 grow to 80, then are removed
	// THEN: Balances go 100 -> 40 -> 20 -> 100 and the ledger tells the story

	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"badges","name":"Badges","kind":"consumable"}`).Code)
	rec := c.do(http.MethodPost, "/api/resources/badges/restock", RestockRequest{Quantity: 100, Note: "delivery"}, "X-Actor-ID", "ops-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ops-1", decode[TransactionDTO](t, rec).ActorID)

	c.event("expo", "2030-06-10T09:00:00Z", "2030-06-10T17:00:00Z")
	c.event("meetup", "2030-06-10T18:00:00Z", "2030-06-10T21:00:00Z")

	rec = c.do(http.MethodPost, "/api/events/expo/allocations", AllocateRequest{ResourceID: "badges", Quantity: 60})
	require.Equal(t, http.StatusCreated, rec.Code)
	alloc := decode[AllocationDTO](t, rec)

	rec = c.do(http.MethodPost, "/api/events/meetup/allocations", AllocateRequest{ResourceID: "badges", Quantity: 50})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_inventory", resp.Code)
	assert.EqualValues(t, 40, resp.Details["available"])
	assert.EqualValues(t, 10, resp.Details["shortfall"])

	rec = c.do(http.MethodGet, "/api/resources/badges/balance", nil)
	assert.Equal(t, 40, decode[BalanceDTO](t, rec).Current)

	rec = c.do(http.MethodPatch, "/api/allocations/"+alloc.ID, UpdateAllocationRequest{Quantity: 80})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 80, decode[AllocationDTO](t, rec).Quantity)
	rec = c.do(http.MethodGet, "/api/resources/badges/balance", nil)
	assert.Equal(t, 20, decode[BalanceDTO](t, rec).Current)

	rec = c.do(http.MethodDelete, "/api/allocations/"+alloc.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = c.do(http.MethodGet, "/api/allocations/"+alloc.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodGet, "/api/resources/badges/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode[[]TransactionDTO](t, rec)
	require.NotEmpty(t, ledger)
	assert.Equal(t, 100, ledger[len(ledger)-1].Balance)
	assert.Equal(t, "restock", ledger[0].Type)
	assert.Equal(t, 100, ledger[0].Balance)

	var returned int
	for _, tx := range ledger {
		if tx.Type == "return" {
			returned += tx.Quantity
		}
	}
	assert.Equal(t, 80, returned)
}

func TestBalance_ProjectedAt(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"water","name":"Water","kind":"consumable"}`).Code)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources/water/restock",
		map[string]any{"quantity": 30, "effective_at": "2030-01-01T00:00:00Z"}).Code)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources/water/restock",
		map[string]any{"quantity": 20, "effective_at": "2030-03-01T00:00:00Z"}).Code)

	rec := c.do(http.MethodGet, "/api/resources/water/balance?at=2030-02-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[BalanceDTO](t, rec)
	assert.Equal(t, 50, dto.Current)
	require.NotNil(t, dto.Projected)
	assert.Equal(t, 30, *dto.Projected)
	require.NotNil(t, dto.At)
	assert.Equal(t, "2030-02-01T00:00:00Z", *dto.At)
}

func TestAdjustment_RequiresAdmin(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"chairs","name":"Chairs","kind":"consumable","initial_stock":10}`).Code)

	rec := c.do(http.MethodPost, "/api/resources/chairs/adjustments", AdjustmentRequest{Target: 7}, "X-Actor-ID", "u1")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_privileged", decode[ErrorResponse](t, rec).Code)

	rec = c.do(http.MethodPost, "/api/resources/chairs/adjustments", AdjustmentRequest{Target: 7, Note: "count"},
		"X-Actor-ID", "u1", "X-Actor-Role", "admin")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, -3, tx.Quantity)
	assert.Equal(t, "adjustment", tx.Type)

	rec = c.do(http.MethodGet, "/api/resources/chairs/balance", nil)
	assert.Equal(t, 7, decode[BalanceDTO](t, rec).Current)

	rec = c.do(http.MethodPost, "/api/resources/chairs/adjustments", AdjustmentRequest{Target: -1}, "X-Actor-Role", "admin")
	assert.Equal(t, allocation.CodeInvalidTarget, decode[ErrorResponse](t, rec).Code)
}

func TestRestock_WrongKindAndBadQuantity(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"room","name":"Room"}`).Code)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"cups","name":"Cups","kind":"consumable"}`).Code)

	rec := c.do(http.MethodPost, "/api/resources/room/restock", RestockRequest{Quantity: 5})
	assert.Equal(t, allocation.CodeWrongKind, decode[ErrorResponse](t, rec).Code)

	rec = c.do(http.MethodPost, "/api/resources/cups/restock", RestockRequest{Quantity: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, allocation.CodeInvalidQuantity, decode[ErrorResponse](t, rec).Code)
}

func TestNotFound(t *testing.T) {
	c, _ := newClient(t)

	for _, path := range []string{
		"/api/resources/ghost",
		"/api/resources/ghost/ledger",
		"/api/events/ghost",
		"/api/events/ghost/allocations",
		"/api/allocations/ghost",
	} {
		rec := c.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code, path)
	}
}

func TestRegisterEvent_InvalidWindow(t *testing.T) {
	c, _ := newClient(t)
	rec := c.do(http.MethodPut, "/api/events/backwards", map[string]string{
		"start": "2030-06-10T12:00:00Z",
		"end":   "2030-06-10T11:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, allocation.CodeInvalidWindow, decode[ErrorResponse](t, rec).Code)
}

func TestAuditRuns(t *testing.T) {
	c, _ := newClient(t)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/resources", `{"id":"pens","name":"Pens","kind":"consumable","initial_stock":3}`).Code)

	rec := c.do(http.MethodPost, "/api/audit/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[AuditRunDTO](t, rec)
	assert.Equal(t, 1, run.Resources)
	assert.Equal(t, 0, run.Drifted)
	assert.Empty(t, run.Error)

	rec = c.do(http.MethodGet, "/api/audit/runs", nil)
	runs := decode[[]AuditRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = c.do(http.MethodGet, "/api/audit/runs?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, "/api/resources/pens/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rc := decode[ReconciliationDTO](t, rec)
	assert.Equal(t, 3, rc.Ledger)
	assert.Equal(t, 0, rc.Drift)

	rec = c.do(http.MethodGet, "/api/resources/pens/shortages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]ShortageDTO](t, rec))
}

func TestOpsEndpoints(t *testing.T) {
	c, _ := newClient(t)

	rec := c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestClassify_ConsistencyFailureWins(t *testing.T) {
	err := &allocation.ConsistencyError{Op: "allocate", Err: &allocation.NotFoundError{Entity: "resource", ID: "r"}}
	status, resp := classify(err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "consistency_failure", resp.Code)

	status, resp = classify(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", resp.Error)
}
