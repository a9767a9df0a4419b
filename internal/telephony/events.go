package telephony

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Webhook event types delivered by the provider. Delivery is at-least-once
// and unordered; consumers must be idempotent.
const (
	EventCallInitiated      = "call.initiated"
	EventCallRinging        = "call.ringing"
	EventCallAnswered       = "call.answered"
	EventCallBridged        = "call.bridged"
	EventMachineDetection   = "call.machine.detection.ended"
	EventMachineGreetingEnd = "call.machine.greeting.ended"
	EventSpeakEnded         = "call.speak.ended"
	EventGatherEnded        = "call.gather.ended"
	EventCallHangup         = "call.hangup"
)

// AMD verdicts reported by call.machine.detection.ended.
const (
	AMDResultHuman   = "human"
	AMDResultMachine = "machine"
)

// Gather completion statuses.
const (
	GatherStatusValid   = "valid"
	GatherStatusInvalid = "invalid"
	GatherStatusTimeout = "call_hangup_or_timeout"
)

// Call directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

var ErrMissingCallID = errors.New("telephony: event has no call id")

// Event is the parsed provider webhook notification.
type Event struct {
	Type       string
	CallID     string
	Direction  string
	From       string
	To         string
	OccurredAt time.Time

	// Hangup fields.
	HangupCause  string
	CallDuration int

	// AMD verdict (call.machine.detection.ended).
	AMDResult string

	// DTMF gather fields (call.gather.ended).
	Digits       string
	GatherStatus string
}

type eventEnvelope struct {
	Data struct {
		EventType  string       `json:"event_type"`
		OccurredAt time.Time    `json:"occurred_at"`
		Payload    eventPayload `json:"payload"`
	} `json:"data"`
}

type eventPayload struct {
	CallControlID string `json:"call_control_id"`
	Direction     string `json:"direction"`
	From          string `json:"from"`
	To            string `json:"to"`
	HangupCause   string `json:"hangup_cause"`
	CallDuration  int    `json:"call_duration"`
	Result        string `json:"result"`
	Digits        string `json:"digits"`
	Status        string `json:"status"`
}

// ParseEvent decodes a webhook body into an Event. A missing call id yields
// ErrMissingCallID; the ingress handler acknowledges and drops those.
func ParseEvent(body []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(env.Data.EventType) == "" {
		return Event{}, errors.New("telephony: event has no type")
	}

	p := env.Data.Payload
	e := Event{
		Type:         env.Data.EventType,
		CallID:       strings.TrimSpace(p.CallControlID),
		Direction:    p.Direction,
		From:         p.From,
		To:           p.To,
		OccurredAt:   env.Data.OccurredAt,
		HangupCause:  strings.ToLower(strings.TrimSpace(p.HangupCause)),
		CallDuration: p.CallDuration,
		AMDResult:    strings.ToLower(strings.TrimSpace(p.Result)),
		Digits:       p.Digits,
		GatherStatus: strings.ToLower(strings.TrimSpace(p.Status)),
	}
	if e.CallID == "" {
		return Event{}, ErrMissingCallID
	}
	return e, nil
}

// Inbound reports whether the event belongs to a call the remote party
// originated. Inbound calls are not broadcast calls.
func (e Event) Inbound() bool {
	return e.Direction == DirectionIncoming
}
