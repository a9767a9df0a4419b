package telephony

import (
	"context"
	"errors"
	"fmt"
)

// ActionClient is the provider-agnostic interface for call-control and
// messaging actions consumed by the dispatcher and the call state machine.
//
// Rules:
// - No provider SDK or raw HTTP calls outside telephony adapters.
// - Every action is one network request; callers decide retry policy.
// - Keep request/response types provider-agnostic.
type ActionClient interface {
	// CreateCall places an outbound call. Providers may answer with more
	// than one call leg for a single request; callers must align the
	// result against what they asked for.
	CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error)

	// Speak plays synthesized speech on a live call.
	Speak(ctx context.Context, callID, text string, opts SpeakOptions) error

	// Gather collects DTMF digits on a live call.
	Gather(ctx context.Context, callID string, opts GatherOptions) error

	// GatherWithSpeak speaks a prompt and collects DTMF digits.
	GatherWithSpeak(ctx context.Context, callID, text string, opts GatherOptions) error

	// Transfer bridges the call to another number.
	Transfer(ctx context.Context, callID, to, from string) error

	// Hangup terminates a live call.
	Hangup(ctx context.Context, callID string) error

	// SendSMS sends a text message and returns the provider message id.
	SendSMS(ctx context.Context, to, from, text string) (string, error)
}

type CreateCallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`

	// ConnectionID selects the provider call-control application.
	ConnectionID string `json:"connection_id"`

	// WebhookURL overrides the application's event destination if set.
	WebhookURL string `json:"webhook_url,omitempty"`

	// MachineDetection enables answering-machine detection for this call.
	MachineDetection bool `json:"machine_detection,omitempty"`

	// TimeoutSecs is the ring timeout before the provider gives up.
	TimeoutSecs int `json:"timeout_secs,omitempty"`
}

type CreateCallResult struct {
	// CallIDs holds the provider call-control ids of the created legs.
	// Normally exactly one, but never assume so.
	CallIDs []string `json:"call_ids"`
}

type SpeakOptions struct {
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

type GatherOptions struct {
	Voice             string `json:"voice,omitempty"`
	Language          string `json:"language,omitempty"`
	MinDigits         int    `json:"min_digits,omitempty"`
	MaxDigits         int    `json:"max_digits,omitempty"`
	ValidDigits       string `json:"valid_digits,omitempty"`
	TimeoutMillis     int    `json:"timeout_millis,omitempty"`
	TerminatingDigit  string `json:"terminating_digit,omitempty"`
	InterDigitTimeout int    `json:"inter_digit_timeout_millis,omitempty"`
}

// Sentinel errors for provider failure classification. Adapters must wrap
// their raw errors so callers can branch with errors.Is.
var (
	// ErrChannelLimit signals the account's simultaneous-call cap was hit.
	// Retryable after backoff.
	ErrChannelLimit = errors.New("telephony: channel limit reached")

	// ErrCallNotFound signals the call no longer exists at the provider.
	ErrCallNotFound = errors.New("telephony: call not found")

	// ErrCallTerminated signals the call already ended; the action is moot.
	ErrCallTerminated = errors.New("telephony: call already terminated")
)

// APIError carries the provider's error payload for logging and
// classification. It wraps one of the sentinels above when recognized.
type APIError struct {
	StatusCode int
	Code       string
	Title      string

	sentinel error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("telephony: provider error %d (code %s): %s", e.StatusCode, e.Code, e.Title)
	}
	return fmt.Sprintf("telephony: provider error %d: %s", e.StatusCode, e.Title)
}

func (e *APIError) Unwrap() error { return e.sentinel }

// IsBenign reports whether err means the call is simply gone. Such failures
// are treated as no-ops, never surfaced to webhook or batch callers.
func IsBenign(err error) bool {
	return errors.Is(err, ErrCallNotFound) || errors.Is(err, ErrCallTerminated)
}
