package broadcast

import (
	"context"
	"strings"
	"testing"
	"time"

	"voice-broadcast/internal/telephony"
)

func newTestDispatcher(t *testing.T, tel *fakeClient) (*Dispatcher, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	d := NewDispatcher(store, tel, NewMemoryChannelTracker(100), testConfig(), testLogger())
	d.sleep = func(time.Duration) {}
	return d, store
}

func TestDispatch_OneRecordPerNumber(t *testing.T) {
	tel := &fakeClient{}
	d, store := newTestDispatcher(t, tel)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001", "+15551230002", "+15551230003"},
		Contacts:     []Contact{{ID: "c1", Name: "Ann"}, {ID: "c2", Name: "Bob"}, {ID: "c3", Name: "Cyd"}},
		Scripts:      []string{"hello from us"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(res.CallIDs) != 3 {
		t.Fatalf("expected 3 call ids, got %d", len(res.CallIDs))
	}
	if res.BroadcastID == "" {
		t.Fatalf("expected broadcast id")
	}

	sess, err := store.GetBroadcastSession(context.Background(), res.BroadcastID)
	if err != nil {
		t.Fatalf("expected session: %v", err)
	}
	if sess.TotalCalls != 3 || sess.Status != BroadcastStatusActive {
		t.Fatalf("unexpected session: %+v", sess)
	}

	for _, id := range res.CallIDs {
		rec, err := store.GetCall(context.Background(), id)
		if err != nil {
			t.Fatalf("expected record for %s: %v", id, err)
		}
		if rec.Status != CallStatusPending {
			t.Fatalf("expected pending, got %q", rec.Status)
		}
		if rec.BroadcastID != res.BroadcastID {
			t.Fatalf("record %s not linked to broadcast", id)
		}
		// One script for the whole batch: index 0 is reused.
		if rec.Script != "hello from us" {
			t.Fatalf("unexpected script %q", rec.Script)
		}
	}
}

func TestDispatch_FiltersBlankNumbers(t *testing.T) {
	tel := &fakeClient{}
	d, _ := newTestDispatcher(t, tel)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{" +15551230001 ", "", "   ", "+15551230002"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(res.CallIDs) != 2 {
		t.Fatalf("expected 2 call ids, got %d", len(res.CallIDs))
	}
	if res.Calls[0].PhoneNumber != "+15551230001" {
		t.Fatalf("expected trimmed number, got %q", res.Calls[0].PhoneNumber)
	}
}

func TestDispatch_EmptyBatchRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeClient{})
	if _, err := d.Dispatch(context.Background(), DispatchRequest{PhoneNumbers: []string{"", "  "}}); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDispatch_PerNumberScripts(t *testing.T) {
	tel := &fakeClient{}
	d, store := newTestDispatcher(t, tel)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001", "+15551230002", "+15551230003"},
		Scripts:      []string{"first", "second"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	wantScripts := []string{"first", "second", "first"} // short list falls back to index 0
	for i, id := range res.CallIDs {
		rec, _ := store.GetCall(context.Background(), id)
		if rec.Script != wantScripts[i] {
			t.Fatalf("call %d: expected script %q, got %q", i, wantScripts[i], rec.Script)
		}
	}
}

func TestDispatch_CapacityRetryOnceThenSynthetic(t *testing.T) {
	limitErr := telephony.ErrChannelLimit
	tel := &fakeClient{createErrs: []error{limitErr, limitErr}}
	d, store := newTestDispatcher(t, tel)

	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(tel.created) != 2 {
		t.Fatalf("expected exactly one retry (2 attempts), got %d", len(tel.created))
	}
	if len(slept) != 1 {
		t.Fatalf("expected one backoff sleep, got %d", len(slept))
	}
	if res.CapacityHits != 1 {
		t.Fatalf("expected 1 capacity hit, got %d", res.CapacityHits)
	}
	if len(res.Calls) != 1 || !res.Calls[0].Synthetic {
		t.Fatalf("expected synthetic entry, got %+v", res.Calls)
	}
	if !strings.HasPrefix(res.Calls[0].CallID, "synthetic-") {
		t.Fatalf("expected synthetic id, got %q", res.Calls[0].CallID)
	}

	rec, err := store.GetCall(context.Background(), res.Calls[0].CallID)
	if err != nil {
		t.Fatalf("expected synthetic record: %v", err)
	}
	if !rec.IsSynthetic || rec.Status != CallStatusPending {
		t.Fatalf("unexpected synthetic record: %+v", rec)
	}
	if rec.PhoneNumber != "+15551230001" || rec.Script != "s" {
		t.Fatalf("synthetic record must keep the original payload: %+v", rec)
	}
}

func TestDispatch_CapacityRetrySucceeds(t *testing.T) {
	tel := &fakeClient{createErrs: []error{telephony.ErrChannelLimit, nil}}
	d, _ := newTestDispatcher(t, tel)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Calls[0].Synthetic {
		t.Fatalf("expected real call after retry")
	}
	if res.CapacityHits != 1 {
		t.Fatalf("expected 1 capacity hit, got %d", res.CapacityHits)
	}
}

func TestDispatch_GenericErrorNoRetry(t *testing.T) {
	tel := &fakeClient{createErrs: []error{context.DeadlineExceeded}}
	d, _ := newTestDispatcher(t, tel)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(tel.created) != 1 {
		t.Fatalf("generic errors must not retry, got %d attempts", len(tel.created))
	}
	if !res.Calls[0].Synthetic {
		t.Fatalf("expected synthetic fallback")
	}
	if res.CapacityHits != 0 {
		t.Fatalf("expected no capacity hits, got %d", res.CapacityHits)
	}
}

func TestDispatch_ExtraLegsIgnored(t *testing.T) {
	tel := &fakeClient{createIDs: [][]string{{"cc-a", "cc-b", "cc-c"}}}
	d, store := newTestDispatcher(t, tel)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(res.CallIDs) != 1 || res.CallIDs[0] != "cc-a" {
		t.Fatalf("expected first leg only, got %v", res.CallIDs)
	}
	if _, err := store.GetCall(context.Background(), "cc-b"); err == nil {
		t.Fatalf("extra legs must not produce records")
	}
}

func TestDispatch_EscalatingBackoff(t *testing.T) {
	limitErr := telephony.ErrChannelLimit
	// Two destinations, both hitting the limit twice.
	tel := &fakeClient{createErrs: []error{limitErr, limitErr, limitErr, limitErr}}
	d, _ := newTestDispatcher(t, tel)
	d.cfg.DialWindow = 1 // serialize so hit ordering is deterministic

	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001", "+15551230002"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(slept))
	}
	if slept[1] <= slept[0] {
		t.Fatalf("expected escalating delay, got %v then %v", slept[0], slept[1])
	}
	base, incr := d.cfg.CapacityRetryBase, d.cfg.CapacityRetryIncrement
	if slept[0] != base || slept[1] != base+incr {
		t.Fatalf("unexpected delays: %v", slept)
	}
}

func TestDispatch_LocalChannelCapCountsAsCapacity(t *testing.T) {
	tel := &fakeClient{}
	store := NewMemoryStore()
	d := NewDispatcher(store, tel, NewMemoryChannelTracker(0), testConfig(), testLogger())
	d.sleep = func(time.Duration) {}

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		PhoneNumbers: []string{"+15551230001"},
		Scripts:      []string{"s"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(tel.created) != 0 {
		t.Fatalf("provider must not be called when the local cap is full")
	}
	if !res.Calls[0].Synthetic || res.CapacityHits != 1 {
		t.Fatalf("expected synthetic with one capacity hit, got %+v", res)
	}
}
