package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"

	"lotteryresults/internal/locks"
	"lotteryresults/internal/metrics"
	"lotteryresults/internal/models"
	"lotteryresults/internal/repository"
	"lotteryresults/internal/validation"
)

// FailurePolicy decides what a workflow does after a failed repository call.
type FailurePolicy string

const (
	// PolicyRevert keeps the last confirmed state and lets the caller retry.
	PolicyRevert FailurePolicy = "revert"
	// PolicyRequireRefresh refuses further transitions until Reload.
	PolicyRequireRefresh FailurePolicy = "require-refresh"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == PolicyRevert || p == PolicyRequireRefresh
}

// Actor is the identity driving a workflow.
type Actor struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Options configure an Engine. Zero values select the defaults.
type Options struct {
	Policy      FailurePolicy
	Approvers   Approvers
	StrictCount bool
	Locker      locks.Locker
}

// Engine creates workflows over one repository.
type Engine struct {
	repo      repository.Repository
	locker    locks.Locker
	validator validation.Validator
	approvers Approvers
	policy    FailurePolicy
}

// NewEngine creates an Engine backed by repo.
func NewEngine(repo repository.Repository, opts Options) *Engine {
	if !opts.Policy.Valid() {
		opts.Policy = PolicyRevert
	}
	if len(opts.Approvers.Admins) == 0 && len(opts.Approvers.SuperAdmins) == 0 {
		opts.Approvers = DefaultApprovers()
	}
	if opts.Locker == nil {
		opts.Locker = locks.NewLocalLocker()
	}
	return &Engine{
		repo:      repo,
		locker:    opts.Locker,
		validator: validation.Validator{StrictCount: opts.StrictCount},
		approvers: opts.Approvers,
		policy:    opts.Policy,
	}
}

// Policy returns the engine's failure policy.
func (e *Engine) Policy() FailurePolicy { return e.policy }

// Start initialises a workflow for actor on drawID and loads any result the
// draw already has. requiredApprovals is the draw security setting, 0 meaning
// the role default.
func (e *Engine) Start(ctx context.Context, drawID string, gameType models.GameType, actor Actor, requiredApprovals int) (*Workflow, error) {
	if !gameType.Valid() {
		return nil, &ValidationError{Violations: validation.Violations{validation.CountKey: validation.MsgUnknownGame}}
	}
	if requiredApprovals < 0 || requiredApprovals > MaxRequiredApprovals {
		return nil, fmt.Errorf("required approvals must be between 0 and %d, got %d", MaxRequiredApprovals, requiredApprovals)
	}

	w := &Workflow{
		engine:   e,
		drawID:   drawID,
		gameType: gameType,
		actor:    actor,
		plan:     PlanApprovals(actor.Role, requiredApprovals, e.approvers),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.reloadLocked(ctx); err != nil {
		return nil, err
	}
	logger.Infof("workflow started: draw=%s user=%s role=%s step=%s", drawID, actor.UserID, actor.Role, w.state.Step)
	return w, nil
}

// Workflow is one actor's handle on the result of a draw. It is safe for
// concurrent use; transitions on the same draw are serialised.
type Workflow struct {
	engine   *Engine
	drawID   string
	gameType models.GameType
	actor    Actor
	plan     ApprovalPlan

	mu     sync.Mutex
	state  State
	result *models.LotteryResult
	stale  bool
}

// View is a snapshot of a workflow for callers and JSON responses.
type View struct {
	DrawID       string                `json:"drawId"`
	GameType     models.GameType       `json:"gameType"`
	Actor        Actor                 `json:"actor"`
	Status       models.ResultStatus   `json:"status"`
	Step         Step                  `json:"step"`
	StepName     string                `json:"stepName"`
	ApprovalList []string              `json:"approvalList"`
	Stale        bool                  `json:"stale"`
	Result       *models.LotteryResult `json:"result,omitempty"`
}

// Snapshot returns the current view.
func (w *Workflow) Snapshot() View {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := View{
		DrawID:       w.drawID,
		GameType:     w.gameType,
		Actor:        w.actor,
		Status:       w.state.Status,
		Step:         w.state.Step,
		StepName:     w.state.Step.String(),
		ApprovalList: append([]string{}, w.state.ApprovalList...),
		Stale:        w.stale,
	}
	if w.result != nil {
		r := w.result.Clone()
		v.Result = &r
	}
	return v
}

// Submit sends numbers for approval. Empty numbers leave everything as it is.
// metadata is recorded on the create audit entry.
func (w *Workflow) Submit(ctx context.Context, numbers []int, method models.RNGMethod, metadata map[string]any) error {
	event := Event{Kind: EventSubmit, Empty: len(numbers) == 0}
	return w.transition(ctx, event, func(ctx context.Context, _ *models.LotteryResult) (models.LotteryResult, error) {
		if violations := w.engine.validator.Validate(numbers, w.gameType); !violations.Valid() {
			return models.LotteryResult{}, &ValidationError{Violations: violations}
		}
		md := map[string]any{"role": w.actor.Role}
		for k, v := range metadata {
			md[k] = v
		}
		if method != "" {
			md["method"] = string(method)
		}
		return w.engine.repo.SubmitResults(ctx, models.ResultSubmission{
			DrawID:            w.drawID,
			GameType:          w.gameType,
			Numbers:           append([]int(nil), numbers...),
			RNGMethod:         method,
			RequireApproval:   len(w.state.ApprovalList) > 0,
			RequiredApprovals: len(w.state.ApprovalList),
			UserID:            w.actor.UserID,
			Metadata:          md,
		})
	})
}

// Approve records the actor's sign-off on the approval list position stepIndex.
func (w *Workflow) Approve(ctx context.Context, stepIndex int) error {
	if !CanApprove(w.actor.Role) {
		return w.deny(EventApprove)
	}
	return w.transition(ctx, Event{Kind: EventApprove, StepIndex: stepIndex}, func(ctx context.Context, current *models.LotteryResult) (models.LotteryResult, error) {
		return w.engine.repo.ApproveResults(ctx, models.ApprovalRequest{
			ResultID:        current.ID,
			UserID:          w.actor.UserID,
			StepIndex:       stepIndex,
			ExpectedVersion: current.Version,
		})
	})
}

// Publish makes a fully approved result public.
func (w *Workflow) Publish(ctx context.Context) error {
	return w.transition(ctx, Event{Kind: EventPublish}, func(ctx context.Context, current *models.LotteryResult) (models.LotteryResult, error) {
		return w.engine.repo.PublishResults(ctx, models.TransitionRequest{
			ResultID:        current.ID,
			UserID:          w.actor.UserID,
			ExpectedVersion: current.Version,
		})
	})
}

// Lock freezes a published result for good.
func (w *Workflow) Lock(ctx context.Context) error {
	if !CanLock(w.actor.Role) {
		return w.deny(EventLock)
	}
	return w.transition(ctx, Event{Kind: EventLock}, func(ctx context.Context, current *models.LotteryResult) (models.LotteryResult, error) {
		return w.engine.repo.LockResults(ctx, models.TransitionRequest{
			ResultID:        current.ID,
			UserID:          w.actor.UserID,
			ExpectedVersion: current.Version,
		})
	})
}

// Reload discards local state and rebuilds it from the repository.
func (w *Workflow) Reload(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.reloadLocked(ctx)
	metrics.RecordTransition("reload", err)
	return err
}

func (w *Workflow) reloadLocked(ctx context.Context) error {
	history, err := w.engine.repo.GetResultHistory(ctx, w.drawID)
	if err != nil {
		return &RepositoryError{Op: "getResultHistory", Err: err}
	}
	latest, ok := repository.Latest(history)
	if !ok || latest.Status == models.StatusDraft {
		w.state = InitialState(w.plan)
		w.result = nil
	} else {
		w.state = StateFromResult(latest, w.engine.approvers)
		w.gameType = latest.GameType
		w.result = &latest
	}
	w.stale = false
	return nil
}

// deny refuses an actor without the role for kind. A locked result reports
// the lock instead.
func (w *Workflow) deny(kind EventKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error = &AuthorizationError{Op: string(kind), Role: w.actor.Role}
	if w.state.Status.Terminal() {
		err = &WorkflowTerminalStateError{Op: string(kind), ResultID: w.state.ResultID}
	}
	metrics.RecordTransition(string(kind), err)
	return err
}

type repoCall func(ctx context.Context, current *models.LotteryResult) (models.LotteryResult, error)

// transition runs one event: reduce locally, take the draw lock, confirm the
// stored result still matches, call the repository and only then commit.
func (w *Workflow) transition(ctx context.Context, event Event, call repoCall) (err error) {
	op := string(event.Kind)
	defer func() { metrics.RecordTransition(op, err) }()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Status.Terminal() {
		return &WorkflowTerminalStateError{Op: op, ResultID: w.state.ResultID}
	}
	if w.stale {
		return ErrStaleWorkflow
	}
	next, err := Reduce(w.state, event)
	if err != nil {
		return err
	}
	if event.Empty {
		return nil
	}

	unlock, err := w.engine.locker.Lock(ctx, w.drawID)
	if err != nil {
		return &RepositoryError{Op: op, Err: err}
	}
	defer unlock()

	current, err := w.refetch(ctx, op)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := call(ctx, current)
	if err != nil {
		return w.fail(op, current, err)
	}

	w.state = next
	w.state.ResultID = res.ID
	w.state.Approved = len(res.ApprovedBy)
	w.result = &res
	logger.Infof("workflow %s: draw=%s result=%s user=%s status=%s step=%s (%s)",
		op, w.drawID, res.ID, w.actor.UserID, res.Status, w.state.Step, time.Since(start))
	return nil
}

// refetch loads the latest stored result and checks it against local state.
func (w *Workflow) refetch(ctx context.Context, op string) (*models.LotteryResult, error) {
	history, err := w.engine.repo.GetResultHistory(ctx, w.drawID)
	if err != nil {
		return nil, &RepositoryError{Op: "getResultHistory", Err: err}
	}
	latest, ok := repository.Latest(history)

	switch {
	case w.result == nil && (!ok || latest.Status == models.StatusDraft):
		return nil, nil
	case w.result == nil || !ok || latest.ID != w.result.ID || latest.Version != w.result.Version:
		w.stale = true
		if ok && latest.Status.Terminal() {
			return nil, &WorkflowTerminalStateError{Op: op, ResultID: latest.ID}
		}
		logger.Warningf("workflow stale: draw=%s user=%s", w.drawID, w.actor.UserID)
		return nil, ErrStaleWorkflow
	}
	return &latest, nil
}

// fail maps a refused repository call. Rule refusals resync the local state
// with the stored result; anything else is a backend failure.
func (w *Workflow) fail(op string, current *models.LotteryResult, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return err
	}

	switch {
	case errors.Is(err, repository.ErrLocked):
		w.stale = true
		return &WorkflowTerminalStateError{Op: op, ResultID: w.state.ResultID}
	case errors.Is(err, repository.ErrApprovalsPending), errors.Is(err, repository.ErrApprovalsComplete),
		errors.Is(err, repository.ErrDuplicateApprover), errors.Is(err, repository.ErrInvalidTransition):
		if current != nil {
			w.state = StateFromResult(*current, w.engine.approvers)
			w.result = current
		}
		logger.Warningf("workflow %s refused: draw=%s user=%s: %v", op, w.drawID, w.actor.UserID, err)
		return &WorkflowStateError{Op: op, Status: w.state.Status, Step: w.state.Step, Reason: err.Error(), Err: err}
	case errors.Is(err, repository.ErrConflict):
		w.stale = true
	case w.engine.policy == PolicyRequireRefresh:
		w.stale = true
	}
	logger.Errorf("workflow %s failed: draw=%s user=%s: %v", op, w.drawID, w.actor.UserID, err)
	return &RepositoryError{Op: op, Err: err}
}
