/*
handlers.go - HTTP API handlers for the resource allocation engine

PURPOSE:
  Exposes the allocation service via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every decision to allocation.Service.

ENDPOINTS:
  Resources:
    GET    /api/resources                     List resources (?kind=)
    POST   /api/resources                     Create resource from JSON
    GET    /api/resources/{id}                Resource details
    GET    /api/resources/{id}/balance        Current balance (?at= adds projected)
    GET    /api/resources/{id}/usage          Usage at instant (?at=, default now)
    GET    /api/resources/{id}/ledger         Transactions with running balance
    GET    /api/resources/{id}/allocations    Allocations of a resource
    POST   /api/resources/{id}/restock        Add stock
    POST   /api/resources/{id}/adjustments    Set stock to a target (admin)
    POST   /api/resources/{id}/reconcile      Recompute cached stock
    GET    /api/resources/{id}/shortages      Historical negative balances

  Events:
    PUT    /api/events/{id}                   Register or update an event
    GET    /api/events/{id}                   Event details
    GET    /api/events/{id}/allocations       Allocations of an event
    POST   /api/events/{id}/allocations       Allocate a resource to the event

  Allocations:
    GET    /api/allocations/{id}              Allocation details
    PATCH  /api/allocations/{id}              Change quantity
    DELETE /api/allocations/{id}              Remove (returns stock)

  Audit:
    POST   /api/audit/runs                    Run an audit now
    GET    /api/audit/runs                    Audit history (?limit=)

  Scenarios:
    GET    /api/scenarios                     List demo scenarios
    POST   /api/scenarios/load                Load a demo scenario

ACTOR:
  X-Actor-ID names the caller and is stamped on ledger entries.
  X-Actor-Role: admin marks the caller as privileged for adjustments. The
  role itself is decided upstream.

ERROR HANDLING:
  See errors.go. Every error body is {"error", "code", "details"}.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer needs from persistence: the transactional
// store the service runs on, audit history, and a reset for demos.
type Store interface {
	allocation.TxStore
	allocation.AuditRunStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Service   *allocation.Service
	Resources *factory.ResourceFactory
	Log       *zap.Logger
	Clock     allocation.Clock

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler serving svc, which must run on store.
func NewHandler(store Store, svc *allocation.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Service:   svc,
		Resources: factory.NewResourceFactory(),
		Log:       log,
		Clock:     allocation.SystemClock(),
	}
}

// =============================================================================
// RESOURCES
// =============================================================================

func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	var kind allocation.Kind
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := allocation.ParseKind(k)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		kind = parsed
	}

	resources, err := h.Service.Resources(r.Context(), kind)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]ResourceDTO, len(resources))
	for i, res := range resources {
		dtos[i] = toResourceDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateResource(w http.ResponseWriter, r *http.Request) {
	var rj factory.ResourceJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON", err)
		return
	}
	in, err := h.Resources.FromJSON(rj)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	in.ActorID = actor(r)

	res, err := h.Service.CreateResource(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResourceDTO(res))
}

func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Resource(r.Context(), resourceID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResourceDTO(res))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := resourceID(r)

	res, err := h.Service.Resource(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	current, err := h.Service.CurrentBalance(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dto := BalanceDTO{ResourceID: string(id), Kind: string(res.Kind), Current: current}

	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "at must be RFC 3339", err)
			return
		}
		projected, err := h.Service.ProjectedBalance(ctx, id, at)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		stamp := at.UTC().Format(time.RFC3339)
		dto.Projected = &projected
		dto.At = &stamp
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	at, ok := h.instant(w, r)
	if !ok {
		return
	}
	usage, err := h.Service.Usage(r.Context(), resourceID(r), at)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTO(usage))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Service.Ledger(r.Context(), resourceID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOsWithBalance(txs))
}

func (h *Handler) GetResourceAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Service.Allocations(r.Context(), resourceID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocs))
}

func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON", err)
		return
	}
	in := allocation.RestockInput{
		ResourceID: resourceID(r),
		Quantity:   req.Quantity,
		Note:       req.Note,
		ActorID:    actor(r),
	}
	if req.EffectiveAt != nil {
		in.EffectiveAt = req.EffectiveAt.UTC()
	}

	t, err := h.Service.Restock(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(t))
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON", err)
		return
	}

	t, err := h.Service.Adjust(r.Context(), allocation.AdjustmentInput{
		ResourceID: resourceID(r),
		Target:     req.Target,
		Note:       req.Note,
		ActorID:    actor(r),
		Privileged: r.Header.Get("X-Actor-Role") == "admin",
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(t))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.RecomputeBalance(r.Context(), resourceID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

func (h *Handler) GetShortages(w http.ResponseWriter, r *http.Request) {
	shortages, err := h.Service.DetectShortages(r.Context(), resourceID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShortageDTOs(shortages))
}

// =============================================================================
// EVENTS
// =============================================================================

func (h *Handler) RegisterEvent(w http.ResponseWriter, r *http.Request) {
	var req RegisterEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON", err)
		return
	}

	e, err := h.Service.RegisterEvent(r.Context(), allocation.Event{
		ID:             allocation.EventID(chi.URLParam(r, "id")),
		OrganizationID: allocation.OrganizationID(req.OrganizationID),
		Name:           req.Name,
		Window:         allocation.Window{Start: req.Start.UTC(), End: req.End.UTC()},
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.Service.Event(r.Context(), allocation.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

func (h *Handler) GetEventAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Service.EventAllocations(r.Context(), allocation.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocs))
}

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON", err)
		return
	}

	a, err := h.Service.Allocate(r.Context(),
		allocation.EventID(chi.URLParam(r, "id")),
		allocation.ResourceID(req.ResourceID),
		req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(a))
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.Allocation(r.Context(), allocationID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	var req UpdateAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON", err)
		return
	}

	a, err := h.Service.UpdateQuantity(r.Context(), allocationID(r), req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

func (h *Handler) RemoveAllocation(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Remove(r.Context(), allocationID(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// AUDIT
// =============================================================================

// RunAuditNow runs one audit pass synchronously and returns the saved run.
func (h *Handler) RunAuditNow(w http.ResponseWriter, r *http.Request) {
	run, _ := RunAudit(r.Context(), h.Service, h.Store, h.Log)
	status := http.StatusOK
	if run.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toAuditRunDTO(run))
}

func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListAuditRuns(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func resourceID(r *http.Request) allocation.ResourceID {
	return allocation.ResourceID(chi.URLParam(r, "id"))
}

func allocationID(r *http.Request) allocation.AllocationID {
	return allocation.AllocationID(chi.URLParam(r, "id"))
}

func actor(r *http.Request) allocation.ActorID {
	return allocation.ActorID(r.Header.Get("X-Actor-ID"))
}

// instant reads ?at= or falls back to the handler clock. It writes the error
// response itself and reports false on a malformed value.
func (h *Handler) instant(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return h.Clock.Now(), true
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", "at must be RFC 3339", err)
		return time.Time{}, false
	}
	return at.UTC(), true
}
