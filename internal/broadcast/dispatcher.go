package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voice-broadcast/internal/config"
	"voice-broadcast/internal/telephony"

	"github.com/google/uuid"
)

// Dispatcher places a batch of outbound calls with a bounded concurrency
// window, retrying once on provider capacity rejections and falling back to
// a synthetic placeholder record when an attempt cannot be completed. The
// batch API never loses a destination: one record and one returned call id
// per valid input number, always.
type Dispatcher struct {
	store    Store
	tel      telephony.ActionClient
	channels ChannelTracker
	cfg      config.BroadcastConfig

	from         string
	connectionID string
	webhookURL   string

	log   *slog.Logger
	clock func() time.Time
	sleep func(time.Duration)
}

func NewDispatcher(store Store, tel telephony.ActionClient, channels ChannelTracker, cfg config.Config, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		tel:          tel,
		channels:     channels,
		cfg:          cfg.Broadcast,
		from:         cfg.Telnyx.FromNumber,
		connectionID: cfg.Telnyx.ConnectionID,
		webhookURL:   cfg.Telnyx.WebhookURL,
		log:          log,
		clock:        time.Now,
		sleep:        time.Sleep,
	}
}

type DispatchRequest struct {
	PhoneNumbers []string  `json:"phoneNumbers"`
	Contacts     []Contact `json:"contacts,omitempty"`

	// Scripts holds one global script or one per number (index-aligned;
	// index 0 is reused when shorter than the number list).
	Scripts []string `json:"scripts"`
}

type DispatchEntry struct {
	CallID      string `json:"callId"`
	PhoneNumber string `json:"phoneNumber"`
	Synthetic   bool   `json:"synthetic"`
}

type DispatchResult struct {
	BroadcastID  string          `json:"broadcastId"`
	CallIDs      []string        `json:"callIds"`
	Calls        []DispatchEntry `json:"calls"`
	CapacityHits int             `json:"capacityHits"`
}

type destination struct {
	phone   string
	contact Contact
	script  string
}

// Dispatch creates one outbound call per valid phone number.
//
// Guarantee: len(result.CallIDs) == number of valid input numbers, real ids
// and synthetic placeholders combined.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	dests := d.destinations(req)
	if len(dests) == 0 {
		return DispatchResult{}, ErrInvalidArgument
	}

	broadcastID := uuid.NewString()
	session := BroadcastSession{
		BroadcastID: broadcastID,
		TotalCalls:  len(dests),
		Status:      BroadcastStatusActive,
		StartTime:   d.clock().UTC(),
	}
	if err := d.store.StoreBroadcastSession(ctx, session); err != nil {
		// Storage trouble must not fail the batch; records are still
		// attempted and the session can be reconciled later.
		d.log.Error("store broadcast session failed", "broadcast_id", broadcastID, "err", err)
	}

	entries := make([]DispatchEntry, len(dests))
	var capacityHits atomic.Int64

	sem := make(chan struct{}, d.cfg.DialWindow)
	var wg sync.WaitGroup
	for i, dest := range dests {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, dest destination) {
			defer wg.Done()
			defer func() { <-sem }()
			entries[i] = d.placeCall(ctx, broadcastID, dest, &capacityHits)
		}(i, dest)
	}
	wg.Wait()

	out := DispatchResult{
		BroadcastID:  broadcastID,
		Calls:        entries,
		CapacityHits: int(capacityHits.Load()),
	}
	for _, e := range entries {
		out.CallIDs = append(out.CallIDs, e.CallID)
	}
	return out, nil
}

// destinations trims blanks and aligns contacts and scripts to numbers.
func (d *Dispatcher) destinations(req DispatchRequest) []destination {
	var out []destination
	for i, raw := range req.PhoneNumbers {
		phone := strings.TrimSpace(raw)
		if phone == "" {
			continue
		}
		dest := destination{phone: phone}
		if i < len(req.Contacts) {
			dest.contact = req.Contacts[i]
		}
		switch {
		case i < len(req.Scripts):
			dest.script = req.Scripts[i]
		case len(req.Scripts) > 0:
			dest.script = req.Scripts[0]
		}
		out = append(out, dest)
	}
	return out
}

func (d *Dispatcher) placeCall(ctx context.Context, broadcastID string, dest destination, capacityHits *atomic.Int64) DispatchEntry {
	callID, err := d.createWithRetry(ctx, dest, capacityHits)
	synthetic := false
	if err != nil {
		// Never drop a destination: fabricate a stable placeholder id so
		// status polling still sees one record per requested number.
		callID = "synthetic-" + uuid.NewString()
		synthetic = true
		d.log.Error("call creation failed, storing synthetic record",
			"broadcast_id", broadcastID, "to", dest.phone, "err", err)
	}

	rec := CallRecord{
		CallID:      callID,
		BroadcastID: broadcastID,
		ContactID:   dest.contact.ID,
		ContactName: dest.contact.Name,
		PhoneNumber: dest.phone,
		Script:      dest.script,
		Status:      CallStatusPending,
		IsSynthetic: synthetic,
	}
	if err := d.store.StoreCall(ctx, rec); err != nil {
		d.log.Error("store call record failed", "call_id", callID, "err", err)
	}
	return DispatchEntry{CallID: callID, PhoneNumber: dest.phone, Synthetic: synthetic}
}

// createWithRetry performs one creation attempt plus at most one retry after
// a capacity rejection. The hit counter is batch-wide so the backoff
// escalates when the whole batch keeps bouncing off the channel limit.
func (d *Dispatcher) createWithRetry(ctx context.Context, dest destination, capacityHits *atomic.Int64) (string, error) {
	callID, err := d.createOnce(ctx, dest)
	if err == nil {
		return callID, nil
	}
	if !isCapacitySignal(err) {
		return "", err
	}

	hits := capacityHits.Add(1)
	delay := d.cfg.CapacityRetryBase + time.Duration(hits-1)*d.cfg.CapacityRetryIncrement
	if delay > d.cfg.CapacityRetryMax {
		delay = d.cfg.CapacityRetryMax
	}
	d.log.Warn("channel limit hit, retrying call creation",
		"to", dest.phone, "hits", hits, "delay", delay)
	d.sleep(delay)

	return d.createOnce(ctx, dest)
}

func (d *Dispatcher) createOnce(ctx context.Context, dest destination) (string, error) {
	if d.channels != nil {
		ok, err := d.channels.Acquire(ctx)
		if err != nil {
			// Tracker trouble must not block dialing; the provider still
			// enforces the real limit.
			d.log.Warn("channel tracker acquire failed", "err", err)
		} else if !ok {
			return "", errLocalChannelCap
		}
	}

	res, err := d.tel.CreateCall(ctx, telephony.CreateCallRequest{
		To:               dest.phone,
		From:             d.from,
		ConnectionID:     d.connectionID,
		WebhookURL:       d.webhookURL,
		MachineDetection: true,
	})
	if err != nil {
		d.releaseSlot(ctx)
		return "", err
	}
	if len(res.CallIDs) > 1 {
		// Providers have been seen answering a single dial with several
		// legs; trust the request cardinality, not the response.
		d.log.Warn("provider returned extra call legs, keeping first",
			"to", dest.phone, "legs", len(res.CallIDs))
	}
	return res.CallIDs[0], nil
}

func (d *Dispatcher) releaseSlot(ctx context.Context) {
	if d.channels == nil {
		return
	}
	if err := d.channels.Release(ctx); err != nil {
		d.log.Warn("channel tracker release failed", "err", err)
	}
}

// errLocalChannelCap marks a creation attempt rejected by our own tracker
// before the provider was called. It behaves like a provider channel-limit
// rejection for retry purposes.
var errLocalChannelCap = &localCapError{}

type localCapError struct{}

func (*localCapError) Error() string { return "broadcast: local channel cap reached" }

func (*localCapError) Unwrap() error { return telephony.ErrChannelLimit }

func isCapacitySignal(err error) bool {
	return errors.Is(err, telephony.ErrChannelLimit)
}
