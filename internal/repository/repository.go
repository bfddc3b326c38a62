// Package repository defines the result store contract the workflow depends on
// and ships in-memory, PostgreSQL and REST implementations of it.
package repository

import (
	"context"
	"errors"

	"lotteryresults/internal/models"
)

// Errors reported by every implementation. REST responses are mapped onto them.
var (
	ErrNotFound          = errors.New("result not found")
	ErrConflict          = errors.New("result was changed by someone else")
	ErrLocked            = errors.New("result is locked")
	ErrInvalidTransition = errors.New("transition not allowed from the current status")
	ErrApprovalsComplete = errors.New("all required approvals are already recorded")
	ErrDuplicateApprover = errors.New("approver already signed off on this result")
	ErrApprovalsPending  = errors.New("required approvals are still outstanding")
	ErrInvalidSubmission = errors.New("invalid result submission")
)

// Repository is the store of truth for results and their audit trails.
type Repository interface {
	SubmitResults(ctx context.Context, sub models.ResultSubmission) (models.LotteryResult, error)
	GetExistingResults(ctx context.Context, drawID string) (models.ExistingResults, error)
	ApproveResults(ctx context.Context, req models.ApprovalRequest) (models.LotteryResult, error)
	PublishResults(ctx context.Context, req models.TransitionRequest) (models.LotteryResult, error)
	LockResults(ctx context.Context, req models.TransitionRequest) (models.LotteryResult, error)
	// GetResultHistory returns the draw's results oldest first.
	GetResultHistory(ctx context.Context, drawID string) ([]models.LotteryResult, error)
}

// Lifecycle is implemented by stores that can be (re)initialised, which is
// mostly useful in tests.
type Lifecycle interface {
	Init(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Latest returns the most recent result in a history, if any.
func Latest(history []models.LotteryResult) (models.LotteryResult, bool) {
	if len(history) == 0 {
		return models.LotteryResult{}, false
	}
	return history[len(history)-1], true
}

// existingFrom builds the getExistingResults view of a draw's history.
func existingFrom(history []models.LotteryResult) models.ExistingResults {
	latest, ok := Latest(history)
	if !ok {
		return models.ExistingResults{Numbers: []int{}, Status: models.StatusDraft}
	}
	updated := latest.CreatedAt
	if n := len(latest.AuditTrail); n > 0 {
		updated = latest.AuditTrail[n-1].Timestamp
	}
	return models.ExistingResults{
		Numbers:     append([]int(nil), latest.Numbers...),
		Status:      latest.Status,
		LastUpdated: &updated,
	}
}

// checkTransition enforces the server-side rules shared by the stores.
func checkTransition(current models.LotteryResult, expectedVersion int64, from models.ResultStatus) error {
	if current.Status.Terminal() {
		return ErrLocked
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return ErrConflict
	}
	if current.Status != from {
		return ErrInvalidTransition
	}
	return nil
}

func checkApproval(current models.LotteryResult, userID string) error {
	if len(current.ApprovedBy) >= current.RequiredApprovals {
		return ErrApprovalsComplete
	}
	for _, id := range current.ApprovedBy {
		if id == userID {
			return ErrDuplicateApprover
		}
	}
	return nil
}

func checkPublishable(current models.LotteryResult) error {
	if len(current.ApprovedBy) < current.RequiredApprovals {
		return ErrApprovalsPending
	}
	return nil
}

// blocksNewSubmission reports whether an existing result keeps a draw from
// accepting another submission. Only one result may be in flight per draw and
// published numbers are never replaced.
func blocksNewSubmission(history []models.LotteryResult) bool {
	latest, ok := Latest(history)
	return ok && latest.Status != models.StatusDraft
}

func requiredApprovals(sub models.ResultSubmission) int {
	if !sub.RequireApproval {
		return 0
	}
	if sub.RequiredApprovals < 1 {
		return 1
	}
	return sub.RequiredApprovals
}
