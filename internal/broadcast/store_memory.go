package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests and local
// development. It is not intended for production use.
type MemoryStore struct {
	mu       sync.Mutex
	calls    map[string]CallRecord
	sessions map[string]BroadcastSession

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:    make(map[string]CallRecord),
		sessions: make(map[string]BroadcastSession),
		clock:    time.Now,
	}
}

// SetClock makes timestamps deterministic in tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) StoreCall(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if existing, ok := s.calls[rec.CallID]; ok && !existing.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.calls[rec.CallID] = rec
	return nil
}

func (s *MemoryStore) UpdateCall(ctx context.Context, callID string, update CallUpdate) (CallRecord, error) {
	if callID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	rec, ok := s.calls[callID]
	if !ok {
		// Create-if-absent: an event can outrun the initial write.
		rec = CallRecord{CallID: callID, Status: CallStatusPending, CreatedAt: now}
	}
	update.apply(&rec, now)
	s.calls[callID] = rec
	return rec, nil
}

func (s *MemoryStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) StoreBroadcastSession(ctx context.Context, sess BroadcastSession) error {
	if sess.BroadcastID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = s.clock().UTC()
	s.sessions[sess.BroadcastID] = sess
	return nil
}

func (s *MemoryStore) UpdateBroadcastSession(ctx context.Context, broadcastID string, status BroadcastStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[broadcastID]
	if !ok {
		return ErrNotFound
	}
	sess.Status = status
	sess.UpdatedAt = s.clock().UTC()
	s.sessions[broadcastID] = sess
	return nil
}

func (s *MemoryStore) GetBroadcastSession(ctx context.Context, broadcastID string) (BroadcastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[broadcastID]
	if !ok {
		return BroadcastSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) ActiveBroadcasts(ctx context.Context) ([]BroadcastSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BroadcastSession
	for _, sess := range s.sessions {
		if sess.Status == BroadcastStatusActive {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BroadcastID < out[j].BroadcastID })
	return out, nil
}

func (s *MemoryStore) CallCounts(ctx context.Context, broadcastID string) (map[CallStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[CallStatus]int)
	for _, rec := range s.calls {
		if broadcastID != "" && rec.BroadcastID != broadcastID {
			continue
		}
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ActiveCalls(ctx context.Context) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.calls {
		if rec.Status == CallStatusPending || rec.Status == CallStatusRinging {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

func (s *MemoryStore) BroadcastCalls(ctx context.Context, broadcastID string) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.calls {
		if rec.BroadcastID == broadcastID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

func (s *MemoryStore) CancelBroadcastCalls(ctx context.Context, broadcastID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	n := 0
	for id, rec := range s.calls {
		if rec.BroadcastID != broadcastID || rec.Status.Terminal() {
			continue
		}
		rec.Status = CallStatusCanceled
		rec.UpdatedAt = now
		s.calls[id] = rec
		n++
	}
	return n, nil
}
