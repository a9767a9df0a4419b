package broadcast

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("broadcast: not found")
	ErrInvalidArgument = errors.New("broadcast: invalid argument")
)

// Store is the durable call-record store.
//
// Upsert semantics are required: webhook events can arrive before the
// dispatcher's initial write is persisted, so UpdateCall must create a
// default record when the id is unknown.
type Store interface {
	// StoreCall creates or overwrites a record, preserving CreatedAt of an
	// existing row.
	StoreCall(ctx context.Context, rec CallRecord) error

	// UpdateCall merges the set fields of update into the record,
	// creating a default record when absent. Returns the merged record.
	UpdateCall(ctx context.Context, callID string, update CallUpdate) (CallRecord, error)

	GetCall(ctx context.Context, callID string) (CallRecord, error)

	StoreBroadcastSession(ctx context.Context, s BroadcastSession) error
	UpdateBroadcastSession(ctx context.Context, broadcastID string, status BroadcastStatus) error
	GetBroadcastSession(ctx context.Context, broadcastID string) (BroadcastSession, error)

	// ActiveBroadcasts lists sessions still marked active.
	ActiveBroadcasts(ctx context.Context) ([]BroadcastSession, error)

	// CallCounts aggregates records by status; broadcastID "" means all.
	CallCounts(ctx context.Context, broadcastID string) (map[CallStatus]int, error)

	// ActiveCalls lists records still waiting to connect (pending, ringing).
	ActiveCalls(ctx context.Context) ([]CallRecord, error)

	BroadcastCalls(ctx context.Context, broadcastID string) ([]CallRecord, error)

	// CancelBroadcastCalls marks every non-terminal record of the broadcast
	// canceled and returns how many rows changed. Terminal records are left
	// untouched.
	CancelBroadcastCalls(ctx context.Context, broadcastID string) (int, error)
}

// CallUpdate is a partial record update; nil fields are left unchanged.
type CallUpdate struct {
	Status          *CallStatus
	ScriptPlayed    *bool
	AMDResult       *string
	ConsentGiven    *bool
	GatherAttempts  *int
	HangupCause     *string
	DurationSeconds *int
	AnsweredAt      *time.Time
	EndTime         *time.Time
	SMSSent         *bool
	SMSMessageID    *string
	SMSError        *string
}

func (u CallUpdate) apply(rec *CallRecord, now time.Time) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.ScriptPlayed != nil {
		rec.ScriptPlayed = *u.ScriptPlayed
	}
	if u.AMDResult != nil {
		rec.AMDResult = *u.AMDResult
	}
	if u.ConsentGiven != nil {
		rec.ConsentGiven = *u.ConsentGiven
	}
	if u.GatherAttempts != nil {
		rec.GatherAttempts = *u.GatherAttempts
	}
	if u.HangupCause != nil {
		rec.HangupCause = *u.HangupCause
	}
	if u.DurationSeconds != nil {
		rec.DurationSeconds = *u.DurationSeconds
	}
	if u.AnsweredAt != nil {
		rec.AnsweredAt = *u.AnsweredAt
	}
	if u.EndTime != nil {
		rec.EndTime = *u.EndTime
	}
	if u.SMSSent != nil {
		rec.SMSSent = *u.SMSSent
	}
	if u.SMSMessageID != nil {
		rec.SMSMessageID = *u.SMSMessageID
	}
	if u.SMSError != nil {
		rec.SMSError = *u.SMSError
	}
	rec.UpdatedAt = now
}

// Pointer helpers for building CallUpdate literals.
func StatusPtr(s CallStatus) *CallStatus { return &s }
func BoolPtr(b bool) *bool               { return &b }
func IntPtr(n int) *int                  { return &n }
func StringPtr(s string) *string         { return &s }
func TimePtr(t time.Time) *time.Time     { return &t }
