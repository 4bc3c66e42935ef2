package allocation

import (
	"context"
	"time"
)

// NotificationType names the committed change a Notification describes.
type NotificationType string

const (
	NotifyAllocated NotificationType = "allocation.created"
	NotifyResized   NotificationType = "allocation.resized"
	NotifyRemoved   NotificationType = "allocation.removed"
	NotifyRestocked NotificationType = "inventory.restocked"
	NotifyAdjusted  NotificationType = "inventory.adjusted"
	NotifyShortage  NotificationType = "inventory.shortage"
)

// Notification is emitted after a mutation has committed.
type Notification struct {
	Type         NotificationType `json:"type"`
	ResourceID   ResourceID       `json:"resource_id"`
	EventID      EventID          `json:"event_id,omitempty"`
	AllocationID AllocationID     `json:"allocation_id,omitempty"`
	Quantity     int              `json:"quantity"`
	Balance      *int             `json:"balance,omitempty"`
	ActorID      ActorID          `json:"actor_id,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Notifier delivers notifications to an outside collaborator. Delivery is
// best effort: the service logs and counts failures but never returns them.
// Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }
