package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotteryresults/internal/models"
)

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func submission(drawID string, approvals int) models.ResultSubmission {
	return models.ResultSubmission{
		DrawID:            drawID,
		GameType:          models.GamePick3,
		Numbers:           []int{7, 8, 9},
		RNGMethod:         models.RNGAlgorithm,
		RequireApproval:   approvals > 0,
		RequiredApprovals: approvals,
		UserID:            "operator-1",
	}
}

func TestMemoryStore_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(steppingClock())

	existing, err := store.GetExistingResults(ctx, "draw-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, existing.Status)
	assert.Empty(t, existing.Numbers)
	assert.Nil(t, existing.LastUpdated)

	created, err := store.SubmitResults(ctx, submission("draw-1", 2))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusPendingApproval, created.Status)
	assert.Equal(t, 2, created.RequiredApprovals)
	assert.Empty(t, created.ApprovedBy)

	_, err = store.PublishResults(ctx, models.TransitionRequest{ResultID: created.ID, UserID: "admin-1"})
	assert.ErrorIs(t, err, ErrApprovalsPending)

	first, err := store.ApproveResults(ctx, models.ApprovalRequest{ResultID: created.ID, UserID: "admin-1", StepIndex: 0, ExpectedVersion: created.Version})
	require.NoError(t, err)
	_, err = store.ApproveResults(ctx, models.ApprovalRequest{ResultID: created.ID, UserID: "admin-1", StepIndex: 1})
	assert.ErrorIs(t, err, ErrDuplicateApprover)

	second, err := store.ApproveResults(ctx, models.ApprovalRequest{ResultID: created.ID, UserID: "super-1", StepIndex: 1, ExpectedVersion: first.Version})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin-1", "super-1"}, second.ApprovedBy)

	_, err = store.ApproveResults(ctx, models.ApprovalRequest{ResultID: created.ID, UserID: "super-2", StepIndex: 2})
	assert.ErrorIs(t, err, ErrApprovalsComplete)

	published, err := store.PublishResults(ctx, models.TransitionRequest{ResultID: created.ID, UserID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)

	locked, err := store.LockResults(ctx, models.TransitionRequest{ResultID: created.ID, UserID: "super-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)

	actions := make([]models.AuditAction, 0, len(locked.AuditTrail))
	for _, e := range locked.AuditTrail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []models.AuditAction{
		models.AuditCreate, models.AuditApprove, models.AuditApprove, models.AuditPublish, models.AuditLock,
	}, actions)
	assert.Equal(t, 1, locked.AuditTrail[2].Metadata["step"])

	existing, err = store.GetExistingResults(ctx, "draw-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, existing.Status)
	assert.Equal(t, []int{7, 8, 9}, existing.Numbers)
	require.NotNil(t, existing.LastUpdated)
	assert.Equal(t, *locked.LockedAt, *existing.LastUpdated)
}

func TestMemoryStore_LockedResultIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.SubmitResults(ctx, submission("draw-2", 0))
	require.NoError(t, err)
	_, err = store.PublishResults(ctx, models.TransitionRequest{ResultID: created.ID})
	require.NoError(t, err)
	locked, err := store.LockResults(ctx, models.TransitionRequest{ResultID: created.ID})
	require.NoError(t, err)

	_, err = store.ApproveResults(ctx, models.ApprovalRequest{ResultID: created.ID, UserID: "x"})
	assert.ErrorIs(t, err, ErrLocked)
	_, err = store.PublishResults(ctx, models.TransitionRequest{ResultID: created.ID})
	assert.ErrorIs(t, err, ErrLocked)
	_, err = store.LockResults(ctx, models.TransitionRequest{ResultID: created.ID})
	assert.ErrorIs(t, err, ErrLocked)
	_, err = store.SubmitResults(ctx, submission("draw-2", 0))
	assert.ErrorIs(t, err, ErrConflict)

	history, err := store.GetResultHistory(ctx, "draw-2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, locked, history[0])
}

func TestMemoryStore_Rejections(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.SubmitResults(ctx, models.ResultSubmission{DrawID: "d", GameType: models.GamePick3})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = store.ApproveResults(ctx, models.ApprovalRequest{ResultID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.SubmitResults(ctx, submission("draw-3", 1))
	require.NoError(t, err)

	_, err = store.SubmitResults(ctx, submission("draw-3", 1))
	assert.ErrorIs(t, err, ErrConflict, "second in-flight result for the same draw")

	_, err = store.LockResults(ctx, models.TransitionRequest{ResultID: created.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.ApproveResults(ctx, models.ApprovalRequest{ResultID: created.ID, UserID: "a", ExpectedVersion: created.Version + 1})
	assert.ErrorIs(t, err, ErrConflict)

	history, err := store.GetResultHistory(ctx, "draw-3")
	require.NoError(t, err)
	assert.Equal(t, created, history[0], "rejected transitions leave the result untouched")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.SubmitResults(ctx, submission("draw-4", 1))
	require.NoError(t, err)
	created.Numbers[0] = 99
	created.AuditTrail = nil

	history, err := store.GetResultHistory(ctx, "draw-4")
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8, 9}, history[0].Numbers)
	assert.Len(t, history[0].AuditTrail, 1)
}

func TestMemoryStore_RequiredApprovals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := submission("draw-5", 0)
	sub.RequireApproval = true
	created, err := store.SubmitResults(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, created.RequiredApprovals)

	require.NoError(t, store.Reset(ctx))
	history, err := store.GetResultHistory(ctx, "draw-5")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStore_ConcurrentSubmissionsForOneDraw(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.SubmitResults(ctx, submission("draw-6", 1)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
}
