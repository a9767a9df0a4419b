package audit

import "time"

// Event is an immutable, append-only operations log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Audit capture is best-effort; do not block dispatch or cancellation flows
//   on audit failures.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	BroadcastID string `json:"broadcast_id,omitempty" db:"broadcast_id"`
	CallID      string `json:"call_id,omitempty" db:"call_id"`

	// IPAddress captures the caller of the operations API when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeDispatch EventType = "broadcast_dispatched"
	EventTypeCancel   EventType = "broadcast_canceled"
)
