package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal operations audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records through the public API.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.BroadcastID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogDispatch records a batch dispatch request.
func (s *Service) LogDispatch(ctx context.Context, broadcastID, ip string, totalCalls, capacityHits int) error {
	return s.Append(ctx, Event{
		Type:        EventTypeDispatch,
		BroadcastID: broadcastID,
		IPAddress:   ip,
		Message:     "broadcast dispatched",
		Metadata:    fmt.Sprintf(`{"total_calls":%d,"capacity_hits":%d}`, totalCalls, capacityHits),
	})
}

// LogCancel records a broadcast cancellation.
func (s *Service) LogCancel(ctx context.Context, broadcastID, ip string, canceledCalls int) error {
	return s.Append(ctx, Event{
		Type:        EventTypeCancel,
		BroadcastID: broadcastID,
		IPAddress:   ip,
		Message:     "broadcast canceled",
		Metadata:    fmt.Sprintf(`{"canceled_calls":%d}`, canceledCalls),
	})
}
