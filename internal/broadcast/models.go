package broadcast

import "time"

// CallRecord tracks one outbound call attempt through its whole lifecycle.
//
// CallID is the provider call-control id, or a locally generated synthetic id
// when the provider never confirmed creation (IsSynthetic). It is the primary
// key and immutable once assigned.
//
// Status is last-writer-wins: a late duplicate event may rewrite it, but a
// terminal record is never speak/gather-actioned again.
type CallRecord struct {
	CallID      string `json:"call_id" db:"call_id"`
	BroadcastID string `json:"broadcast_id,omitempty" db:"broadcast_id"`

	ContactID   string `json:"contact_id,omitempty" db:"contact_id"`
	ContactName string `json:"contact_name,omitempty" db:"contact_name"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	Script string `json:"script,omitempty" db:"script"`

	Status CallStatus `json:"status" db:"status"`

	// ScriptPlayed guards the speak-once guarantee under duplicate events.
	ScriptPlayed bool `json:"script_played" db:"script_played"`

	// AMDResult is the last answering-machine-detection verdict.
	AMDResult string `json:"amd_result,omitempty" db:"amd_result"`

	ConsentGiven   bool `json:"consent_given" db:"consent_given"`
	GatherAttempts int  `json:"gather_attempts" db:"gather_attempts"`

	HangupCause     string `json:"hangup_cause,omitempty" db:"hangup_cause"`
	DurationSeconds int    `json:"duration" db:"duration"`

	SMSSent      bool   `json:"sms_sent" db:"sms_sent"`
	SMSMessageID string `json:"sms_message_id,omitempty" db:"sms_message_id"`
	SMSError     string `json:"sms_error,omitempty" db:"sms_error"`

	// IsSynthetic marks a placeholder record for a call the dispatcher could
	// not confirm was created. The id does not exist at the provider.
	IsSynthetic bool `json:"is_synthetic" db:"is_synthetic"`

	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
	AnsweredAt time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndTime    time.Time `json:"end_time,omitempty" db:"end_time"`
}

type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusVoicemail  CallStatus = "voicemail"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether no further call actions may be issued for a record
// in this status. The status field itself may still be rewritten by a late
// duplicate event.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusNoAnswer, CallStatusBusy,
		CallStatusCanceled, CallStatusRejected, CallStatusFailed:
		return true
	default:
		return false
	}
}

// StatusFromHangupCause maps a provider hangup cause onto a terminal status.
// answered tells normal_clearing apart: a cleanly ended answered call
// completed, an unanswered one simply never connected.
func StatusFromHangupCause(cause string, answered bool) CallStatus {
	switch cause {
	case "busy", "user_busy":
		return CallStatusBusy
	case "no_answer", "timeout", "originator_cancel_timeout":
		return CallStatusNoAnswer
	case "cancel", "originator_cancel":
		return CallStatusCanceled
	case "call_rejected", "rejected":
		return CallStatusRejected
	case "normal_clearing":
		if answered {
			return CallStatusCompleted
		}
		return CallStatusNoAnswer
	default:
		return CallStatusFailed
	}
}

type BroadcastStatus string

const (
	BroadcastStatusActive    BroadcastStatus = "active"
	BroadcastStatusCanceled  BroadcastStatus = "canceled"
	BroadcastStatusCompleted BroadcastStatus = "completed"
)

// BroadcastSession groups the calls created by one batch dispatch request.
type BroadcastSession struct {
	BroadcastID string          `json:"broadcast_id" db:"broadcast_id"`
	TotalCalls  int             `json:"total_calls" db:"total_calls"`
	Status      BroadcastStatus `json:"status" db:"status"`
	StartTime   time.Time       `json:"start_time" db:"start_time"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Contact identifies one batch destination.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
