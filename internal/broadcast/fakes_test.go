package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"voice-broadcast/internal/config"
	"voice-broadcast/internal/telephony"
)

// fakeClient records telephony actions and returns scripted errors.
type fakeClient struct {
	mu sync.Mutex

	createErrs []error // consumed per CreateCall invocation
	createIDs  [][]string
	speakErr   error
	gatherErr  error
	hangupErr  error
	smsErr     error
	smsID      string

	created   []telephony.CreateCallRequest
	speaks    []speakCall
	gathers   []string
	transfers []string
	hangups   []string
	smses     []smsCall
}

type speakCall struct {
	CallID string
	Text   string
}

type smsCall struct {
	To   string
	From string
	Text string
}

func (f *fakeClient) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.created)
	f.created = append(f.created, req)
	if n < len(f.createErrs) && f.createErrs[n] != nil {
		return telephony.CreateCallResult{}, f.createErrs[n]
	}
	ids := []string{"cc-" + req.To}
	if n < len(f.createIDs) && f.createIDs[n] != nil {
		ids = f.createIDs[n]
	}
	return telephony.CreateCallResult{CallIDs: ids}, nil
}

func (f *fakeClient) Speak(ctx context.Context, callID, text string, opts telephony.SpeakOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaks = append(f.speaks, speakCall{CallID: callID, Text: text})
	return f.speakErr
}

func (f *fakeClient) Gather(ctx context.Context, callID string, opts telephony.GatherOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gathers = append(f.gathers, callID)
	return f.gatherErr
}

func (f *fakeClient) GatherWithSpeak(ctx context.Context, callID, text string, opts telephony.GatherOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gathers = append(f.gathers, callID)
	return f.gatherErr
}

func (f *fakeClient) Transfer(ctx context.Context, callID, to, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, callID+"->"+to)
	return nil
}

func (f *fakeClient) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return f.hangupErr
}

func (f *fakeClient) SendSMS(ctx context.Context, to, from, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smses = append(f.smses, smsCall{To: to, From: from, Text: text})
	if f.smsErr != nil {
		return "", f.smsErr
	}
	if f.smsID != "" {
		return f.smsID, nil
	}
	return "msg-1", nil
}

func (f *fakeClient) speakCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.speaks)
}

// fakeScheduler captures deferred actions instead of running timers.
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, fn)
}

// fire runs all captured actions, simulating timer expiry.
func (s *fakeScheduler) fire() {
	s.mu.Lock()
	fns := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	c := config.Config{
		Telnyx: config.TelnyxConfig{
			APIKey:       "k",
			ConnectionID: "conn",
			FromNumber:   "+15550001111",
		},
	}
	c.Broadcast = config.BroadcastConfig{OperatorNumber: "+15559990000"}.WithDefaults()
	return c
}
