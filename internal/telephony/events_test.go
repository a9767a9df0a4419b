package telephony

import (
	"errors"
	"testing"
)

func TestParseEvent_Hangup(t *testing.T) {
	body := []byte(`{"data":{"event_type":"call.hangup","payload":{"call_control_id":"cc-1","direction":"outgoing","from":"+15550001111","to":"+15551230001","hangup_cause":"NORMAL_CLEARING","call_duration":12}}}`)

	e, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Type != EventCallHangup {
		t.Fatalf("unexpected type %q", e.Type)
	}
	if e.CallID != "cc-1" {
		t.Fatalf("unexpected call id %q", e.CallID)
	}
	if e.HangupCause != "normal_clearing" {
		t.Fatalf("expected lowercased cause, got %q", e.HangupCause)
	}
	if e.CallDuration != 12 {
		t.Fatalf("unexpected duration %d", e.CallDuration)
	}
	if e.Inbound() {
		t.Fatalf("outgoing call reported as inbound")
	}
}

func TestParseEvent_AMDAndGather(t *testing.T) {
	amd := []byte(`{"data":{"event_type":"call.machine.detection.ended","payload":{"call_control_id":"cc-2","result":"Machine"}}}`)
	e, err := ParseEvent(amd)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.AMDResult != AMDResultMachine {
		t.Fatalf("expected machine verdict, got %q", e.AMDResult)
	}

	gather := []byte(`{"data":{"event_type":"call.gather.ended","payload":{"call_control_id":"cc-2","digits":"1","status":"valid"}}}`)
	e, err = ParseEvent(gather)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Digits != "1" || e.GatherStatus != GatherStatusValid {
		t.Fatalf("unexpected gather fields: %+v", e)
	}
}

func TestParseEvent_MissingCallID(t *testing.T) {
	body := []byte(`{"data":{"event_type":"call.answered","payload":{}}}`)
	if _, err := ParseEvent(body); !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}
}

func TestParseEvent_BadJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}
