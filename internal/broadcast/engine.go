package broadcast

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"voice-broadcast/internal/config"
	"voice-broadcast/internal/telephony"
)

// Scheduler defers a side-effecting action. Injectable so tests can observe
// scheduled delays without sleeping.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// TimerScheduler runs deferred actions on real timers.
type TimerScheduler struct{}

func (TimerScheduler) AfterFunc(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

const lockShards = 64

// keyedLocks serializes event processing per call id. Events for different
// calls never block each other beyond shard collisions.
type keyedLocks struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &k.shards[h.Sum32()%lockShards]
	mu.Lock()
	return mu
}

// Engine is the per-call webhook state machine. It reconciles out-of-order,
// at-least-once provider events into a consistent call status and drives the
// follow-up actions (speak, gather, transfer, hangup, SMS fallback).
//
// Every handler is idempotent: duplicate deliveries and events for unknown
// call ids are absorbed, and no action failure ever propagates back to the
// webhook ingress.
type Engine struct {
	store    Store
	tel      telephony.ActionClient
	channels ChannelTracker
	cfg      config.BroadcastConfig

	smsFrom  string
	operator string

	log   *slog.Logger
	clock func() time.Time
	sched Scheduler

	locks keyedLocks

	// Transient per-call tracking, cleaned up on hangup.
	mu           sync.Mutex
	gatherIssued map[string]bool
	smsCauses    map[string]bool
}

func NewEngine(store Store, tel telephony.ActionClient, channels ChannelTracker, cfg config.Config, log *slog.Logger) *Engine {
	e := &Engine{
		store:        store,
		tel:          tel,
		channels:     channels,
		cfg:          cfg.Broadcast,
		smsFrom:      cfg.SMSFrom(),
		operator:     cfg.Broadcast.OperatorNumber,
		log:          log,
		clock:        time.Now,
		sched:        TimerScheduler{},
		gatherIssued: make(map[string]bool),
		smsCauses:    make(map[string]bool),
	}
	for _, cause := range cfg.Broadcast.SMSFallbackCauses {
		e.smsCauses[cause] = true
	}
	return e
}

// SetClock and SetScheduler make timing deterministic in tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }
func (e *Engine) SetScheduler(s Scheduler)        { e.sched = s }

// Consent flow prompts. Script text itself comes with each call record;
// these are the fixed interaction frames around it.
const (
	goodbyeMessage     = "Thank you for your time. Goodbye."
	finalGatherMessage = "We did not receive a valid response. Goodbye."
)

func (e *Engine) consentPrompt() string {
	return fmt.Sprintf("Press %s to confirm, or press %s to decline.",
		e.cfg.ConsentAcceptDigit, e.cfg.ConsentDeclineDigit)
}

// HandleEvent processes one provider webhook event. Errors are absorbed and
// logged; the ingress always acknowledges so the provider does not retry.
func (e *Engine) HandleEvent(ctx context.Context, ev telephony.Event) {
	switch ev.Type {
	case telephony.EventCallInitiated:
		e.handleInitiated(ctx, ev)
	case telephony.EventCallRinging:
		e.updateStatus(ctx, ev.CallID, CallStatusRinging)
	case telephony.EventCallAnswered:
		e.handleAnswered(ctx, ev)
	case telephony.EventCallBridged:
		e.updateStatus(ctx, ev.CallID, CallStatusInProgress)
	case telephony.EventMachineDetection:
		e.handleMachineDetection(ctx, ev)
	case telephony.EventMachineGreetingEnd:
		e.handleGreetingEnded(ctx, ev)
	case telephony.EventSpeakEnded:
		e.handleSpeakEnded(ctx, ev)
	case telephony.EventGatherEnded:
		e.handleGatherEnded(ctx, ev)
	case telephony.EventCallHangup:
		e.handleHangup(ctx, ev)
	default:
		e.log.Debug("ignoring event", "type", ev.Type, "call_id", ev.CallID)
	}
}

func (e *Engine) handleInitiated(ctx context.Context, ev telephony.Event) {
	if ev.Inbound() {
		// Inbound calls are not broadcast calls: hand them to the operator
		// and leave the store untouched.
		if e.operator == "" {
			e.log.Warn("inbound call with no operator number configured", "call_id", ev.CallID)
			return
		}
		if err := e.tel.Transfer(ctx, ev.CallID, e.operator, ev.To); err != nil && !telephony.IsBenign(err) {
			e.log.Error("inbound transfer failed", "call_id", ev.CallID, "err", err)
		}
		return
	}
	e.updateStatus(ctx, ev.CallID, CallStatusInitiated)
}

func (e *Engine) handleAnswered(ctx context.Context, ev telephony.Event) {
	mu := e.locks.lock(ev.CallID)
	defer mu.Unlock()

	rec, err := e.store.GetCall(ctx, ev.CallID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error("get call failed", "call_id", ev.CallID, "err", err)
		return
	}

	update := CallUpdate{Status: StatusPtr(CallStatusAnswered)}
	if rec.AnsweredAt.IsZero() {
		update.AnsweredAt = TimePtr(e.clock().UTC())
	}

	speak := rec.Script != "" && !rec.ScriptPlayed && !rec.Status.Terminal()
	if speak {
		update.ScriptPlayed = BoolPtr(true)
	}
	rec, err = e.store.UpdateCall(ctx, ev.CallID, update)
	if err != nil {
		e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
		return
	}
	if speak {
		e.speak(ctx, ev.CallID, rec.Script)
	}
}

func (e *Engine) handleMachineDetection(ctx context.Context, ev telephony.Event) {
	mu := e.locks.lock(ev.CallID)
	defer mu.Unlock()

	rec, err := e.store.GetCall(ctx, ev.CallID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error("get call failed", "call_id", ev.CallID, "err", err)
		return
	}

	switch ev.AMDResult {
	case telephony.AMDResultMachine:
		// Speaking now would talk over the greeting; wait for
		// call.machine.greeting.ended.
		if _, err := e.store.UpdateCall(ctx, ev.CallID, CallUpdate{
			Status:    StatusPtr(CallStatusVoicemail),
			AMDResult: StringPtr(telephony.AMDResultMachine),
		}); err != nil {
			e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
		}
	case telephony.AMDResultHuman:
		update := CallUpdate{
			Status:    StatusPtr(CallStatusAnswered),
			AMDResult: StringPtr(telephony.AMDResultHuman),
		}
		if rec.AnsweredAt.IsZero() {
			update.AnsweredAt = TimePtr(e.clock().UTC())
		}
		speak := rec.Script != "" && !rec.ScriptPlayed && !rec.Status.Terminal()
		if speak {
			update.ScriptPlayed = BoolPtr(true)
		}
		rec, err = e.store.UpdateCall(ctx, ev.CallID, update)
		if err != nil {
			e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
			return
		}
		if speak {
			e.speak(ctx, ev.CallID, rec.Script)
		}
	default:
		e.log.Debug("unrecognized amd result", "call_id", ev.CallID, "result", ev.AMDResult)
	}
}

func (e *Engine) handleGreetingEnded(ctx context.Context, ev telephony.Event) {
	mu := e.locks.lock(ev.CallID)
	defer mu.Unlock()

	rec, err := e.store.GetCall(ctx, ev.CallID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("get call failed", "call_id", ev.CallID, "err", err)
		}
		return
	}
	if rec.ScriptPlayed || rec.Script == "" || rec.Status.Terminal() {
		return
	}
	rec, err = e.store.UpdateCall(ctx, ev.CallID, CallUpdate{ScriptPlayed: BoolPtr(true)})
	if err != nil {
		e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
		return
	}

	// A beat of silence after the greeting so the message is not clipped.
	callID, script := ev.CallID, rec.Script
	e.sched.AfterFunc(e.cfg.VoicemailSpeakDelay, func() {
		ctx, cancel := e.actionContext()
		defer cancel()
		e.speak(ctx, callID, script)
	})
}

func (e *Engine) handleSpeakEnded(ctx context.Context, ev telephony.Event) {
	mu := e.locks.lock(ev.CallID)
	defer mu.Unlock()

	rec, err := e.store.UpdateCall(ctx, ev.CallID, CallUpdate{Status: StatusPtr(CallStatusCompleted)})
	if err != nil {
		e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
		return
	}

	// With the consent flow on, a finished script playback hands over to a
	// DTMF gather instead of hanging up (humans only, and only once).
	if e.cfg.ConsentFlow && rec.AMDResult != telephony.AMDResultMachine && !rec.ConsentGiven {
		// Issue the consent gather once; duplicate speak-ended deliveries
		// while the gather is pending are absorbed here.
		if e.markGatherIssued(ev.CallID) {
			if err := e.tel.GatherWithSpeak(ctx, ev.CallID, e.consentPrompt(), e.gatherOptions()); err != nil && !telephony.IsBenign(err) {
				e.log.Error("consent gather failed", "call_id", ev.CallID, "err", err)
			}
		}
		return
	}

	e.scheduleHangup(ev.CallID, rec)
}

func (e *Engine) handleGatherEnded(ctx context.Context, ev telephony.Event) {
	if !e.cfg.ConsentFlow {
		return
	}
	mu := e.locks.lock(ev.CallID)
	defer mu.Unlock()

	rec, err := e.store.GetCall(ctx, ev.CallID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("get call failed", "call_id", ev.CallID, "err", err)
		}
		return
	}
	if rec.Status.Terminal() && rec.Status != CallStatusCompleted {
		return
	}

	valid := ev.GatherStatus == telephony.GatherStatusValid
	switch {
	case valid && ev.Digits == e.cfg.ConsentAcceptDigit:
		e.log.Info("consent accepted", "call_id", ev.CallID, "contact_id", rec.ContactID)
		update := CallUpdate{ConsentGiven: BoolPtr(true)}
		speak := !rec.ScriptPlayed && rec.Script != ""
		if speak {
			update.ScriptPlayed = BoolPtr(true)
		}
		rec, err = e.store.UpdateCall(ctx, ev.CallID, update)
		if err != nil {
			e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
			return
		}
		if speak {
			e.speak(ctx, ev.CallID, rec.Script)
		}

	case valid && ev.Digits == e.cfg.ConsentDeclineDigit:
		e.log.Info("consent declined", "call_id", ev.CallID, "contact_id", rec.ContactID)
		e.speak(ctx, ev.CallID, goodbyeMessage)
		e.scheduleHangupAfter(ev.CallID, e.cfg.DefaultHangupDelay)

	default:
		attempts := rec.GatherAttempts + 1
		if _, err := e.store.UpdateCall(ctx, ev.CallID, CallUpdate{GatherAttempts: IntPtr(attempts)}); err != nil {
			e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
		}
		if attempts >= e.cfg.MaxGatherAttempts {
			e.speak(ctx, ev.CallID, finalGatherMessage)
			e.scheduleHangup(ev.CallID, rec)
			return
		}
		prompt := "Sorry, we did not get that. " + e.consentPrompt()
		if err := e.tel.GatherWithSpeak(ctx, ev.CallID, prompt, e.gatherOptions()); err != nil && !telephony.IsBenign(err) {
			e.log.Error("consent re-prompt failed", "call_id", ev.CallID, "err", err)
		}
	}
}

func (e *Engine) handleHangup(ctx context.Context, ev telephony.Event) {
	if ev.Inbound() {
		// Inbound legs were handed to the operator: they hold no dispatcher
		// channel slot and have no broadcast record to write.
		return
	}

	mu := e.locks.lock(ev.CallID)
	defer mu.Unlock()

	rec, err := e.store.GetCall(ctx, ev.CallID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error("get call failed", "call_id", ev.CallID, "err", err)
		return
	}
	known := err == nil

	answered := !rec.AnsweredAt.IsZero() || rec.ScriptPlayed ||
		rec.Status == CallStatusAnswered || rec.Status == CallStatusInProgress ||
		rec.Status == CallStatusVoicemail || rec.Status == CallStatusCompleted
	status := StatusFromHangupCause(ev.HangupCause, answered)

	update := CallUpdate{
		Status:      StatusPtr(status),
		HangupCause: StringPtr(ev.HangupCause),
		EndTime:     TimePtr(e.clock().UTC()),
	}
	if ev.CallDuration > 0 {
		update.DurationSeconds = IntPtr(ev.CallDuration)
	}

	// SMS fallback: the message still reaches the contact when the call
	// could not. Send failures are recorded, never propagated.
	if e.smsCauses[ev.HangupCause] && rec.Script != "" && rec.PhoneNumber != "" && !rec.SMSSent {
		msgID, smsErr := e.tel.SendSMS(ctx, rec.PhoneNumber, e.smsFrom, rec.Script)
		sent := smsErr == nil
		update.SMSSent = BoolPtr(sent)
		if sent {
			update.SMSMessageID = StringPtr(msgID)
		} else {
			update.SMSError = StringPtr(smsErr.Error())
			e.log.Error("sms fallback failed", "call_id", ev.CallID, "to", rec.PhoneNumber, "err", smsErr)
		}
	}

	if _, err := e.store.UpdateCall(ctx, ev.CallID, update); err != nil {
		e.log.Error("update call failed", "call_id", ev.CallID, "err", err)
	}

	// Release the channel slot exactly once per call. EndTime is written only
	// by this handler, so a set EndTime means an earlier delivery of this
	// hangup already released it. Unknown call ids never acquired a slot.
	if e.channels != nil && known && !rec.IsSynthetic && rec.EndTime.IsZero() {
		if err := e.channels.Release(ctx); err != nil {
			e.log.Warn("channel release failed", "call_id", ev.CallID, "err", err)
		}
	}
	e.clearTransient(ev.CallID)
	e.maybeCompleteBroadcast(ctx, rec.BroadcastID)
}

// CancelBroadcast cancels every non-terminal call of a broadcast and
// best-effort hangs up the live ones. Hangup failures never block the
// records being marked canceled.
func (e *Engine) CancelBroadcast(ctx context.Context, broadcastID string) (int, error) {
	records, err := e.store.BroadcastCalls(ctx, broadcastID)
	if err != nil {
		return 0, err
	}

	n, err := e.store.CancelBroadcastCalls(ctx, broadcastID)
	if err != nil {
		return 0, err
	}
	if err := e.store.UpdateBroadcastSession(ctx, broadcastID, BroadcastStatusCanceled); err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error("update broadcast session failed", "broadcast_id", broadcastID, "err", err)
	}

	for _, rec := range records {
		if rec.Status.Terminal() || rec.IsSynthetic {
			continue
		}
		if err := e.tel.Hangup(ctx, rec.CallID); err != nil && !telephony.IsBenign(err) {
			e.log.Warn("cancel hangup failed", "call_id", rec.CallID, "err", err)
		}
	}
	return n, nil
}

func (e *Engine) updateStatus(ctx context.Context, callID string, status CallStatus) {
	if _, err := e.store.UpdateCall(ctx, callID, CallUpdate{Status: StatusPtr(status)}); err != nil {
		e.log.Error("update call failed", "call_id", callID, "status", status, "err", err)
	}
}

func (e *Engine) speak(ctx context.Context, callID, text string) {
	if err := e.tel.Speak(ctx, callID, text, telephony.SpeakOptions{}); err != nil && !telephony.IsBenign(err) {
		e.log.Error("speak failed", "call_id", callID, "err", err)
	}
}

// scheduleHangup enforces the minimum answered duration: the hangup fires at
// answeredAt + MinAnsweredDuration at the earliest, so playback is not
// truncated and very short call legs are avoided.
func (e *Engine) scheduleHangup(callID string, rec CallRecord) {
	delay := e.cfg.DefaultHangupDelay
	if !rec.AnsweredAt.IsZero() {
		elapsed := e.clock().UTC().Sub(rec.AnsweredAt)
		delay = e.cfg.MinAnsweredDuration - elapsed
		if delay < 0 {
			delay = 0
		}
	}
	e.scheduleHangupAfter(callID, delay)
}

func (e *Engine) scheduleHangupAfter(callID string, delay time.Duration) {
	e.sched.AfterFunc(delay, func() {
		ctx, cancel := e.actionContext()
		defer cancel()
		if err := e.tel.Hangup(ctx, callID); err != nil && !telephony.IsBenign(err) {
			e.log.Error("scheduled hangup failed", "call_id", callID, "err", err)
		}
	})
}

// actionContext backs deferred actions; the triggering request context is
// long gone by the time a timer fires.
func (e *Engine) actionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func (e *Engine) gatherOptions() telephony.GatherOptions {
	return telephony.GatherOptions{
		MinDigits:     1,
		MaxDigits:     1,
		ValidDigits:   e.cfg.ConsentAcceptDigit + e.cfg.ConsentDeclineDigit,
		TimeoutMillis: 10000,
	}
}

// markGatherIssued records that the consent gather was issued for a call.
// Returns false when it already was, so duplicate speak-ended deliveries do
// not re-prompt.
func (e *Engine) markGatherIssued(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gatherIssued[callID] {
		return false
	}
	e.gatherIssued[callID] = true
	return true
}

func (e *Engine) clearTransient(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.gatherIssued, callID)
}

// maybeCompleteBroadcast marks a session completed once every call of the
// broadcast reached a terminal status. Best-effort.
func (e *Engine) maybeCompleteBroadcast(ctx context.Context, broadcastID string) {
	if broadcastID == "" {
		return
	}
	sess, err := e.store.GetBroadcastSession(ctx, broadcastID)
	if err != nil || sess.Status != BroadcastStatusActive {
		return
	}
	records, err := e.store.BroadcastCalls(ctx, broadcastID)
	if err != nil {
		return
	}
	for _, rec := range records {
		if !rec.Status.Terminal() {
			return
		}
	}
	if err := e.store.UpdateBroadcastSession(ctx, broadcastID, BroadcastStatusCompleted); err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Warn("complete broadcast session failed", "broadcast_id", broadcastID, "err", err)
	}
}
