/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the allocation core from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIME FORMAT:
  All instants are RFC 3339 in UTC.

VALIDATION:
  Validation is done by the service, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/resource.go: ResourceJSON, the create-resource body
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/resource-engine/allocation"
)

// =============================================================================
// RESOURCES
// =============================================================================

type ResourceDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Kind               string `json:"kind"`
	OrganizationID     string `json:"organization_id,omitempty"`
	MaxConcurrentUsage *int   `json:"max_concurrent_usage,omitempty"`
	CachedStock        *int   `json:"cached_stock,omitempty"` // consumables only
	CreatedAt          string `json:"created_at"`
}

func toResourceDTO(r allocation.Resource) ResourceDTO {
	dto := ResourceDTO{
		ID:                 string(r.ID),
		Name:               r.Name,
		Kind:               string(r.Kind),
		OrganizationID:     string(r.OrganizationID),
		MaxConcurrentUsage: r.MaxConcurrentUsage,
		CreatedAt:          r.CreatedAt.Format(time.RFC3339),
	}
	if r.Kind == allocation.KindConsumable {
		stock := r.CachedStock
		dto.CachedStock = &stock
	}
	return dto
}

// BalanceDTO answers both "now" and "at" queries. Projected is set only
// when the request carried ?at=.
type BalanceDTO struct {
	ResourceID string  `json:"resource_id"`
	Kind       string  `json:"kind"`
	Current    int     `json:"current"`
	Projected  *int    `json:"projected,omitempty"`
	At         *string `json:"at,omitempty"`
}

type UsageDTO struct {
	ResourceID  string          `json:"resource_id"`
	Kind        string          `json:"kind"`
	At          string          `json:"at"`
	Capacity    int             `json:"capacity"`
	InUse       int             `json:"in_use"`
	Utilization decimal.Decimal `json:"utilization"`
}

func toUsageDTO(u allocation.Usage) UsageDTO {
	return UsageDTO{
		ResourceID:  string(u.ResourceID),
		Kind:        string(u.Kind),
		At:          u.At.Format(time.RFC3339),
		Capacity:    u.Capacity,
		InUse:       u.InUse,
		Utilization: u.Utilization,
	}
}

// =============================================================================
// EVENTS
// =============================================================================

type EventDTO struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Start          string `json:"start"`
	End            string `json:"end"`
}

// RegisterEventRequest is the body of PUT /api/events/{id}.
type RegisterEventRequest struct {
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

func toEventDTO(e allocation.Event) EventDTO {
	return EventDTO{
		ID:             string(e.ID),
		OrganizationID: string(e.OrganizationID),
		Name:           e.Name,
		Start:          e.Window.Start.Format(time.RFC3339),
		End:            e.Window.End.Format(time.RFC3339),
	}
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type AllocationDTO struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	ResourceID string `json:"resource_id"`
	Quantity   int    `json:"quantity"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type AllocateRequest struct {
	ResourceID string `json:"resource_id"`
	Quantity   int    `json:"quantity"`
}

type UpdateAllocationRequest struct {
	Quantity int `json:"quantity"`
}

func toAllocationDTO(a allocation.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:         string(a.ID),
		EventID:    string(a.EventID),
		ResourceID: string(a.ResourceID),
		Quantity:   a.Quantity,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  a.UpdatedAt.Format(time.RFC3339),
	}
}

func toAllocationDTOs(allocs []allocation.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	return dtos
}

// =============================================================================
// LEDGER
// =============================================================================

// TransactionDTO is a ledger entry with the running balance after it.
type TransactionDTO struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resource_id"`
	Quantity    int    `json:"quantity"`
	Type        string `json:"type"`
	EffectiveAt string `json:"effective_at"`
	EventID     string `json:"event_id,omitempty"`
	Note        string `json:"note,omitempty"`
	ActorID     string `json:"actor_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	Balance     int    `json:"balance"`
}

type RestockRequest struct {
	Quantity    int        `json:"quantity"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"` // default: now
	Note        string     `json:"note"`
}

type AdjustmentRequest struct {
	Target int    `json:"target"`
	Note   string `json:"note"`
}

func toTransactionDTO(t allocation.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(t.ID),
		ResourceID:  string(t.ResourceID),
		Quantity:    t.Quantity,
		Type:        string(t.Type),
		EffectiveAt: t.EffectiveAt.Format(time.RFC3339),
		EventID:     string(t.EventID),
		Note:        t.Note,
		ActorID:     string(t.ActorID),
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
}

// toTransactionDTOsWithBalance expects txs in effective order, as the
// ledger returns them.
func toTransactionDTOsWithBalance(txs []allocation.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	running := 0
	for i, t := range txs {
		running += t.Quantity
		dtos[i] = toTransactionDTO(t)
		dtos[i].Balance = running
	}
	return dtos
}

// =============================================================================
// AUDIT
// =============================================================================

type ReconciliationDTO struct {
	ResourceID string `json:"resource_id"`
	Cached     int    `json:"cached"`
	Ledger     int    `json:"ledger"`
	Drift      int    `json:"drift"`
}

func toReconciliationDTO(r allocation.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		ResourceID: string(r.ResourceID),
		Cached:     r.Cached,
		Ledger:     r.Ledger,
		Drift:      r.Drift(),
	}
}

type ShortageDTO struct {
	ResourceID    string `json:"resource_id"`
	At            string `json:"at"`
	Balance       int    `json:"balance"`
	TransactionID string `json:"transaction_id"`
}

func toShortageDTOs(shortages []allocation.Shortage) []ShortageDTO {
	dtos := make([]ShortageDTO, len(shortages))
	for i, s := range shortages {
		dtos[i] = ShortageDTO{
			ResourceID:    string(s.ResourceID),
			At:            s.At.Format(time.RFC3339),
			Balance:       s.Balance,
			TransactionID: string(s.TransactionID),
		}
	}
	return dtos
}

type AuditRunDTO struct {
	ID          string `json:"id"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
	Resources   int    `json:"resources"`
	Drifted     int    `json:"drifted"`
	Shortages   int    `json:"shortages"`
	Error       string `json:"error,omitempty"`
}

func toAuditRunDTO(run allocation.AuditRun) AuditRunDTO {
	return AuditRunDTO{
		ID:          run.ID,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
		CompletedAt: run.CompletedAt.Format(time.RFC3339),
		Resources:   run.Resources,
		Drifted:     run.Drifted,
		Shortages:   run.Shortages,
		Error:       run.Error,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// StepDTO is one request a scenario made and how the engine answered it.
type StepDTO struct {
	Action  string `json:"action"`
	Outcome string `json:"outcome"` // "ok" or an error code
	Message string `json:"message,omitempty"`
}

type ScenarioResultDTO struct {
	Scenario string    `json:"scenario"`
	Steps    []StepDTO `json:"steps"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}
