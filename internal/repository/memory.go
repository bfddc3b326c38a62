package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"lotteryresults/internal/models"
)

var (
	_ Repository = (*MemoryStore)(nil)
	_ Lifecycle  = (*MemoryStore)(nil)
)

// MemoryStore keeps results in process. It stands in for the backend in tests
// and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*models.LotteryResult // Key: result ID
	byDraw  map[string][]string              // Key: draw ID, value: result IDs oldest first
	now     func() time.Time
}

// NewMemoryStore creates an initialised, empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
	_ = s.Init(context.Background())
	return s
}

// WithClock overrides the time source used for timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Init allocates the store's maps. Calling it again keeps existing data.
func (s *MemoryStore) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]*models.LotteryResult)
	}
	if s.byDraw == nil {
		s.byDraw = make(map[string][]string)
	}
	return nil
}

// Reset drops every stored result.
func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = make(map[string]*models.LotteryResult)
	s.byDraw = make(map[string][]string)
	logger.Info("memory store reset")
	return nil
}

func (s *MemoryStore) historyLocked(drawID string) []models.LotteryResult {
	ids := s.byDraw[drawID]
	out := make([]models.LotteryResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.results[id].Clone())
	}
	return out
}

// SubmitResults creates a pending_approval result with a create audit entry.
func (s *MemoryStore) SubmitResults(_ context.Context, sub models.ResultSubmission) (models.LotteryResult, error) {
	if sub.DrawID == "" || len(sub.Numbers) == 0 || !sub.GameType.Valid() {
		return models.LotteryResult{}, ErrInvalidSubmission
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if blocksNewSubmission(s.historyLocked(sub.DrawID)) {
		return models.LotteryResult{}, fmt.Errorf("draw %s: %w", sub.DrawID, ErrConflict)
	}

	now := s.now()
	result := &models.LotteryResult{
		ID:                uuid.NewString(),
		DrawID:            sub.DrawID,
		GameType:          sub.GameType,
		Numbers:           append([]int(nil), sub.Numbers...),
		Status:            models.StatusPendingApproval,
		RNGMethod:         sub.RNGMethod,
		ApprovedBy:        []string{},
		RequiredApprovals: requiredApprovals(sub),
		Version:           1,
		CreatedAt:         now,
		AuditTrail: []models.AuditEntry{{
			Action:    models.AuditCreate,
			UserID:    sub.UserID,
			Timestamp: now,
			Metadata:  sub.Metadata,
		}},
	}
	s.results[result.ID] = result
	s.byDraw[sub.DrawID] = append(s.byDraw[sub.DrawID], result.ID)

	return result.Clone(), nil
}

// GetExistingResults returns the latest numbers and status of a draw.
func (s *MemoryStore) GetExistingResults(_ context.Context, drawID string) (models.ExistingResults, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return existingFrom(s.historyLocked(drawID)), nil
}

// ApproveResults appends the approver and an approve audit entry.
func (s *MemoryStore) ApproveResults(_ context.Context, req models.ApprovalRequest) (models.LotteryResult, error) {
	return s.mutate(req.ResultID, func(r *models.LotteryResult, now time.Time) error {
		if err := checkTransition(*r, req.ExpectedVersion, models.StatusPendingApproval); err != nil {
			return err
		}
		if err := checkApproval(*r, req.UserID); err != nil {
			return err
		}
		r.ApprovedBy = append(r.ApprovedBy, req.UserID)
		r.AuditTrail = append(r.AuditTrail, models.AuditEntry{
			Action:    models.AuditApprove,
			UserID:    req.UserID,
			Timestamp: now,
			Metadata:  map[string]any{"step": req.StepIndex},
		})
		return nil
	})
}

// PublishResults moves a fully approved result to published.
func (s *MemoryStore) PublishResults(_ context.Context, req models.TransitionRequest) (models.LotteryResult, error) {
	return s.mutate(req.ResultID, func(r *models.LotteryResult, now time.Time) error {
		if err := checkTransition(*r, req.ExpectedVersion, models.StatusPendingApproval); err != nil {
			return err
		}
		if err := checkPublishable(*r); err != nil {
			return err
		}
		r.Status = models.StatusPublished
		r.PublishedAt = &now
		r.AuditTrail = append(r.AuditTrail, models.AuditEntry{Action: models.AuditPublish, UserID: req.UserID, Timestamp: now})
		return nil
	})
}

// LockResults freezes a published result.
func (s *MemoryStore) LockResults(_ context.Context, req models.TransitionRequest) (models.LotteryResult, error) {
	return s.mutate(req.ResultID, func(r *models.LotteryResult, now time.Time) error {
		if err := checkTransition(*r, req.ExpectedVersion, models.StatusPublished); err != nil {
			return err
		}
		r.Status = models.StatusLocked
		r.LockedAt = &now
		r.AuditTrail = append(r.AuditTrail, models.AuditEntry{Action: models.AuditLock, UserID: req.UserID, Timestamp: now})
		return nil
	})
}

// GetResultHistory returns every result of a draw, oldest first.
func (s *MemoryStore) GetResultHistory(_ context.Context, drawID string) ([]models.LotteryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.historyLocked(drawID)
	sort.SliceStable(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })
	return history, nil
}

// mutate applies fn to a copy of the result and stores it only when fn succeeds,
// so a rejected transition leaves every field untouched.
func (s *MemoryStore) mutate(resultID string, fn func(*models.LotteryResult, time.Time) error) (models.LotteryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.results[resultID]
	if !ok {
		return models.LotteryResult{}, ErrNotFound
	}
	next := current.Clone()
	if err := fn(&next, s.now()); err != nil {
		return models.LotteryResult{}, err
	}
	next.Version++
	s.results[resultID] = &next
	return next.Clone(), nil
}
