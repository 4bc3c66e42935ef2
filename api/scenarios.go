/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store through the
	allocation service and record how each request was answered. Rejections
	are part of the demo: a scenario step that the engine refuses is
	recorded with its error code, not treated as a load failure.

AVAILABLE SCENARIOS:

	exclusive-overlap:  Boardroom booked by overlapping and touching events
	shared-capacity:    Projector pool with a cap of 3 and a fourth request
	consumable-stock:   Badges restocked, allocated, then over-allocated
	quantity-update:    consumable-stock, then the allocation grows to 80
	return-on-remove:   quantity-update, then the allocation is removed
	late-correction:    A stock correction that leaves a historical shortage

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create resources via the service
 3. Register events relative to tomorrow (UTC) on the handler clock
 4. Allocate, update, remove and record each outcome

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "shared-capacity"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxx(run)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and its Store
  - scenarios_test.go: Expected outcomes per scenario
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/resource-engine/allocation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "exclusive-overlap",
		Name:        "Exclusive Overlap",
		Description: "An exclusive room rejects an overlapping event and accepts one that only touches",
	},
	{
		ID:          "shared-capacity",
		Name:        "Shared Capacity",
		Description: "A shareable pool with max concurrent usage 3 refuses the fourth concurrent request",
	},
	{
		ID:          "consumable-stock",
		Name:        "Consumable Stock",
		Description: "Restock 100, allocate 60, then a request for 50 is short by 10",
	},
	{
		ID:          "quantity-update",
		Name:        "Quantity Update",
		Description: "The 60 unit allocation grows to 80; the old quantity counts as available",
	},
	{
		ID:          "return-on-remove",
		Name:        "Return On Remove",
		Description: "Removing the 80 unit allocation writes a return and restores stock to 100",
	},
	{
		ID:          "late-correction",
		Name:        "Late Correction",
		Description: "A stock count that includes a future delivery leaves the summit short in history",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// ResetDatabase clears every resource, event, allocation and ledger entry.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("reset store: %w", err))
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body", err)
		return
	}

	var load func(*scenarioRun) error
	switch req.ScenarioID {
	case "exclusive-overlap":
		load = loadExclusiveOverlap
	case "shared-capacity":
		load = loadSharedCapacity
	case "consumable-stock":
		load = loadConsumableStock
	case "quantity-update":
		load = loadQuantityUpdate
	case "return-on-remove":
		load = loadReturnOnRemove
	case "late-correction":
		load = loadLateCorrection
	default:
		writeError(w, http.StatusBadRequest, "unknown_scenario", "unknown scenario "+req.ScenarioID, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("reset store: %w", err))
		return
	}
	h.currentScenario = ""

	run := &scenarioRun{ctx: ctx, svc: h.Service, day: tomorrow(h.Clock.Now())}
	if err := load(run); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, ScenarioResultDTO{Scenario: req.ScenarioID, Steps: run.steps})
}

// =============================================================================
// SCENARIO RUN
// =============================================================================

// scenarioRun carries the state shared by the steps of one load.
type scenarioRun struct {
	ctx   context.Context
	svc   *allocation.Service
	day   time.Time // midnight UTC of the demo day
	steps []StepDTO

	// Set by loadConsumableStock for the chained scenarios.
	allocationID allocation.AllocationID
}

// record appends the outcome of a step. Business rejections are recorded and
// swallowed; anything else aborts the load.
func (s *scenarioRun) record(action string, err error) error {
	if err == nil {
		s.steps = append(s.steps, StepDTO{Action: action, Outcome: "ok"})
		return nil
	}
	if !allocation.IsClientError(err) {
		return err
	}
	_, resp := classify(err)
	s.steps = append(s.steps, StepDTO{Action: action, Outcome: resp.Code, Message: err.Error()})
	return nil
}

// at returns the demo day at h:m.
func (s *scenarioRun) at(h, m int) time.Time {
	return s.day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func (s *scenarioRun) resource(in allocation.CreateResourceInput) error {
	_, err := s.svc.CreateResource(s.ctx, in)
	if err != nil {
		return fmt.Errorf("create resource %s: %w", in.ID, err)
	}
	return nil
}

func (s *scenarioRun) event(id allocation.EventID, name string, start, end time.Time) error {
	_, err := s.svc.RegisterEvent(s.ctx, allocation.Event{
		ID:     id,
		Name:   name,
		Window: allocation.Window{Start: start, End: end},
	})
	if err != nil {
		return fmt.Errorf("register event %s: %w", id, err)
	}
	return nil
}

func (s *scenarioRun) allocate(e allocation.EventID, r allocation.ResourceID, qty int) (allocation.Allocation, error) {
	a, err := s.svc.Allocate(s.ctx, e, r, qty)
	return a, s.record(fmt.Sprintf("allocate %d of %s to %s", qty, r, e), err)
}

func tomorrow(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadExclusiveOverlap(s *scenarioRun) error {
	if err := s.resource(allocation.CreateResourceInput{ID: "boardroom", Name: "Boardroom", Kind: allocation.KindExclusive}); err != nil {
		return err
	}
	events := []struct {
		id         allocation.EventID
		name       string
		start, end time.Time
	}{
		{"standup", "Standup", s.at(10, 0), s.at(11, 0)},
		{"review", "Design review", s.at(10, 30), s.at(11, 30)},
		{"lunch-talk", "Lunch talk", s.at(11, 0), s.at(12, 0)},
	}
	for _, e := range events {
		if err := s.event(e.id, e.name, e.start, e.end); err != nil {
			return err
		}
	}
	for _, e := range events {
		if _, err := s.allocate(e.id, "boardroom", 1); err != nil {
			return err
		}
	}
	return nil
}

func loadSharedCapacity(s *scenarioRun) error {
	limit := 3
	if err := s.resource(allocation.CreateResourceInput{ID: "projectors", Name: "Projector pool", Kind: allocation.KindShareable, MaxConcurrentUsage: &limit}); err != nil {
		return err
	}
	// All four cover 14:00.
	for i := 1; i <= 4; i++ {
		id := allocation.EventID(fmt.Sprintf("workshop-%d", i))
		if err := s.event(id, fmt.Sprintf("Workshop %d", i), s.at(13, i*5), s.at(15, 0)); err != nil {
			return err
		}
		if _, err := s.allocate(id, "projectors", 1); err != nil {
			return err
		}
	}
	return nil
}

func loadConsumableStock(s *scenarioRun) error {
	if err := s.resource(allocation.CreateResourceInput{ID: "badges", Name: "Visitor badges", Kind: allocation.KindConsumable}); err != nil {
		return err
	}
	_, err := s.svc.Restock(s.ctx, allocation.RestockInput{
		ResourceID:  "badges",
		Quantity:    100,
		EffectiveAt: s.day.Add(-24 * time.Hour),
		Note:        "initial delivery",
	})
	if err := s.record("restock 100 of badges", err); err != nil {
		return err
	}

	if err := s.event("conference", "Conference", s.at(9, 0), s.at(17, 0)); err != nil {
		return err
	}
	if err := s.event("meetup", "Evening meetup", s.at(18, 0), s.at(21, 0)); err != nil {
		return err
	}

	a, err := s.allocate("conference", "badges", 60)
	if err != nil {
		return err
	}
	s.allocationID = a.ID
	_, err = s.allocate("meetup", "badges", 50)
	return err
}

func loadQuantityUpdate(s *scenarioRun) error {
	if err := loadConsumableStock(s); err != nil {
		return err
	}
	if s.allocationID == "" {
		return fmt.Errorf("conference allocation was not created")
	}
	_, err := s.svc.UpdateQuantity(s.ctx, s.allocationID, 80)
	return s.record("update conference badges to 80", err)
}

func loadReturnOnRemove(s *scenarioRun) error {
	if err := loadQuantityUpdate(s); err != nil {
		return err
	}
	err := s.svc.Remove(s.ctx, s.allocationID)
	return s.record("remove conference badges", err)
}

// loadLateCorrection books 30 lanyards a week out with 40 in stock and a
// delivery of 5 due after the event. A stock count then sets the total to 0,
// counting the delivery as already present. The correction is accepted and
// the ledger shows -5 at the summit start.
func loadLateCorrection(s *scenarioRun) error {
	if err := s.resource(allocation.CreateResourceInput{ID: "lanyards", Name: "Lanyards", Kind: allocation.KindConsumable}); err != nil {
		return err
	}
	_, err := s.svc.Restock(s.ctx, allocation.RestockInput{ResourceID: "lanyards", Quantity: 40, EffectiveAt: s.day.Add(-48 * time.Hour)})
	if err := s.record("restock 40 of lanyards", err); err != nil {
		return err
	}
	if err := s.event("summit", "Summit", s.day.Add(7*24*time.Hour), s.day.Add(8*24*time.Hour)); err != nil {
		return err
	}
	if _, err := s.allocate("summit", "lanyards", 30); err != nil {
		return err
	}
	_, err = s.svc.Restock(s.ctx, allocation.RestockInput{ResourceID: "lanyards", Quantity: 5, EffectiveAt: s.day.Add(9 * 24 * time.Hour)})
	if err := s.record("restock 5 of lanyards after the summit", err); err != nil {
		return err
	}

	_, err = s.svc.Adjust(s.ctx, allocation.AdjustmentInput{
		ResourceID: "lanyards",
		Target:     0,
		Note:       "stock count",
		Privileged: true,
	})
	return s.record("adjust lanyards to 0", err)
}
