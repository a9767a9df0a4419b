package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.telnyx.com/v2"

// channelLimitCode is the provider error code for the simultaneous-channel
// cap. The message substring check is kept as a safety net because the code
// has changed between API revisions.
const channelLimitCode = "90010"

// TelnyxClient implements ActionClient against the Telnyx Call Control v2
// and Messaging APIs.
type TelnyxClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewTelnyxClient returns a client with a conservative request timeout.
func NewTelnyxClient(apiKey string) *TelnyxClient {
	return &TelnyxClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewTelnyxClientWithBaseURL is used by tests pointed at a stub server.
func NewTelnyxClientWithBaseURL(apiKey, baseURL string) *TelnyxClient {
	c := NewTelnyxClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type telnyxCallLeg struct {
	CallControlID string `json:"call_control_id"`
}

func (c *TelnyxClient) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error) {
	body := map[string]any{
		"to":            req.To,
		"from":          req.From,
		"connection_id": req.ConnectionID,
	}
	if req.WebhookURL != "" {
		body["webhook_url"] = req.WebhookURL
	}
	if req.MachineDetection {
		body["answering_machine_detection"] = "detect_words"
	}
	if req.TimeoutSecs > 0 {
		body["timeout_secs"] = req.TimeoutSecs
	}

	raw, err := c.do(ctx, http.MethodPost, "/calls", body)
	if err != nil {
		return CreateCallResult{}, err
	}

	// The data envelope is a single leg for a plain dial, but can be an
	// array when the provider fans a request out to several legs. Decode
	// both shapes and let the caller reconcile cardinality.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return CreateCallResult{}, fmt.Errorf("telephony: decode create call response: %w", err)
	}

	var legs []telnyxCallLeg
	if err := json.Unmarshal(envelope.Data, &legs); err != nil {
		var one telnyxCallLeg
		if err := json.Unmarshal(envelope.Data, &one); err != nil {
			return CreateCallResult{}, fmt.Errorf("telephony: decode create call response: %w", err)
		}
		legs = []telnyxCallLeg{one}
	}

	out := CreateCallResult{}
	for _, leg := range legs {
		if leg.CallControlID != "" {
			out.CallIDs = append(out.CallIDs, leg.CallControlID)
		}
	}
	if len(out.CallIDs) == 0 {
		return CreateCallResult{}, fmt.Errorf("telephony: provider returned no call id")
	}
	return out, nil
}

func (c *TelnyxClient) Speak(ctx context.Context, callID, text string, opts SpeakOptions) error {
	body := map[string]any{
		"payload":  text,
		"voice":    orDefault(opts.Voice, "female"),
		"language": orDefault(opts.Language, "en-US"),
	}
	_, err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/actions/speak", body)
	return err
}

func (c *TelnyxClient) Gather(ctx context.Context, callID string, opts GatherOptions) error {
	_, err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/actions/gather", gatherBody(opts))
	return err
}

func (c *TelnyxClient) GatherWithSpeak(ctx context.Context, callID, text string, opts GatherOptions) error {
	body := gatherBody(opts)
	body["payload"] = text
	body["voice"] = orDefault(opts.Voice, "female")
	body["language"] = orDefault(opts.Language, "en-US")
	_, err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/actions/gather_using_speak", body)
	return err
}

func (c *TelnyxClient) Transfer(ctx context.Context, callID, to, from string) error {
	body := map[string]any{"to": to}
	if from != "" {
		body["from"] = from
	}
	_, err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/actions/transfer", body)
	return err
}

func (c *TelnyxClient) Hangup(ctx context.Context, callID string) error {
	_, err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/actions/hangup", map[string]any{})
	return err
}

func (c *TelnyxClient) SendSMS(ctx context.Context, to, from, text string) (string, error) {
	body := map[string]any{
		"to":   to,
		"from": from,
		"text": text,
	}
	raw, err := c.do(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return "", err
	}
	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("telephony: decode send sms response: %w", err)
	}
	return envelope.Data.ID, nil
}

func gatherBody(opts GatherOptions) map[string]any {
	body := map[string]any{
		"minimum_digits": maxInt(opts.MinDigits, 1),
		"maximum_digits": maxInt(opts.MaxDigits, 1),
	}
	if opts.ValidDigits != "" {
		body["valid_digits"] = opts.ValidDigits
	}
	if opts.TimeoutMillis > 0 {
		body["timeout_millis"] = opts.TimeoutMillis
	}
	if opts.TerminatingDigit != "" {
		body["terminating_digit"] = opts.TerminatingDigit
	}
	if opts.InterDigitTimeout > 0 {
		body["inter_digit_timeout_millis"] = opts.InterDigitTimeout
	}
	return body
}

func (c *TelnyxClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("telephony: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telephony: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, classifyError(resp.StatusCode, raw)
}

// classifyError maps a provider error response onto the sentinel taxonomy.
func classifyError(status int, raw []byte) error {
	apiErr := &APIError{StatusCode: status}

	var envelope struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		apiErr.Code = first.Code
		apiErr.Title = first.Title
		if apiErr.Title == "" {
			apiErr.Title = first.Detail
		}
	}
	if apiErr.Title == "" {
		apiErr.Title = http.StatusText(status)
	}

	lower := strings.ToLower(apiErr.Title)
	switch {
	case apiErr.Code == channelLimitCode || strings.Contains(lower, "channel limit"):
		apiErr.sentinel = ErrChannelLimit
	case status == http.StatusNotFound:
		apiErr.sentinel = ErrCallNotFound
	case status == http.StatusUnprocessableEntity:
		apiErr.sentinel = ErrCallTerminated
	}
	return apiErr
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
