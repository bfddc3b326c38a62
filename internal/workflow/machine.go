// Package workflow drives a draw result from submission through approval to
// publication and locking. Reduce holds the transition rules; Engine and
// Workflow pair them with the repository, per-draw locking and version checks.
package workflow

import (
	"lotteryresults/internal/models"
)

// Step is the position of a workflow in the approval flow.
type Step int

const (
	StepGenerate Step = iota
	StepFirstApproval
	StepSecondApproval
	StepReadyToPublish
	StepPublished
	StepLocked
)

var stepNames = [...]string{
	"generate",
	"awaiting-first-approval",
	"awaiting-secondary-approval",
	"ready-to-publish",
	"published",
	"locked",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// EventKind names a transition.
type EventKind string

const (
	EventSubmit  EventKind = "submit"
	EventApprove EventKind = "approve"
	EventPublish EventKind = "publish"
	EventLock    EventKind = "lock"
)

// Event is one requested transition.
type Event struct {
	Kind EventKind
	// StepIndex is the approval list position being signed off (approve only).
	StepIndex int
	// Empty marks a submit without numbers, which leaves the state as it is.
	Empty bool
}

// State is the workflow's view of a result.
type State struct {
	ResultID     string
	Status       models.ResultStatus
	Step         Step
	ApprovalList []string
	Approved     int
}

// InitialState is the state of a draw with no submitted result.
func InitialState(plan ApprovalPlan) State {
	return State{
		Status:       models.StatusDraft,
		Step:         plan.StartStep,
		ApprovalList: append([]string{}, plan.Approvers...),
	}
}

// StateFromResult rebuilds the state of a stored result.
func StateFromResult(r models.LotteryResult, approvers Approvers) State {
	plan := planForResult(r.RequiredApprovals, approvers)
	s := State{
		ResultID:     r.ID,
		Status:       r.Status,
		ApprovalList: plan.Approvers,
		Approved:     len(r.ApprovedBy),
	}
	switch r.Status {
	case models.StatusPendingApproval:
		s.Step = pendingStep(s.Approved, len(plan.Approvers))
	case models.StatusPublished:
		s.Step = StepPublished
	case models.StatusLocked:
		s.Step = StepLocked
	default:
		s.Step = plan.StartStep
	}
	return s
}

func pendingStep(approved, required int) Step {
	if approved >= required {
		return StepReadyToPublish
	}
	return min(StepFirstApproval+Step(approved), StepSecondApproval)
}

// Reduce applies e to s. It never mutates s and returns s unchanged with an
// error when e is not allowed.
func Reduce(s State, e Event) (State, error) {
	if s.Status.Terminal() {
		return s, &WorkflowTerminalStateError{Op: string(e.Kind), ResultID: s.ResultID}
	}

	next := s
	next.ApprovalList = append([]string{}, s.ApprovalList...)

	switch e.Kind {
	case EventSubmit:
		if e.Empty {
			return s, nil
		}
		if s.Status != models.StatusDraft {
			return s, stateError(s, e, "numbers were already submitted for this draw")
		}
		next.Status = models.StatusPendingApproval
		if len(s.ApprovalList) == 0 {
			next.Step = StepReadyToPublish
		} else {
			next.Step = StepFirstApproval
		}

	case EventApprove:
		if s.Status != models.StatusPendingApproval || s.Step < StepFirstApproval || s.Step >= StepReadyToPublish {
			return s, stateError(s, e, "the result is not waiting for approval")
		}
		last := len(s.ApprovalList) - 1
		if e.StepIndex < 0 || e.StepIndex > last {
			return s, stateError(s, e, "no such approval step")
		}
		next.Approved++
		if e.StepIndex == last {
			next.Step = StepReadyToPublish
		} else {
			next.Step = min(s.Step+1, StepSecondApproval)
		}

	case EventPublish:
		if s.Status != models.StatusPendingApproval || s.Step != StepReadyToPublish {
			return s, stateError(s, e, "approvals are not complete")
		}
		next.Status = models.StatusPublished
		next.Step = StepPublished

	case EventLock:
		if s.Status != models.StatusPublished {
			return s, stateError(s, e, "only published results can be locked")
		}
		next.Status = models.StatusLocked
		next.Step = StepLocked

	default:
		return s, stateError(s, e, "unknown event")
	}
	return next, nil
}

func stateError(s State, e Event, reason string) error {
	return &WorkflowStateError{Op: string(e.Kind), Status: s.Status, Step: s.Step, Reason: reason}
}
