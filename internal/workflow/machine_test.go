package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotteryresults/internal/models"
)

func twoPersonState() State {
	return InitialState(PlanApprovals(models.RoleOperator, 0, DefaultApprovers()))
}

func TestReduce_HappyPath(t *testing.T) {
	s := twoPersonState()
	assert.Equal(t, StepFirstApproval, s.Step)
	assert.Equal(t, models.StatusDraft, s.Status)

	s, err := Reduce(s, Event{Kind: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, s.Status)
	assert.Equal(t, StepFirstApproval, s.Step)

	s, err = Reduce(s, Event{Kind: EventApprove, StepIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, StepSecondApproval, s.Step)

	s, err = Reduce(s, Event{Kind: EventApprove, StepIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, StepReadyToPublish, s.Step)
	assert.Equal(t, 2, s.Approved)

	s, err = Reduce(s, Event{Kind: EventPublish})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, s.Status)
	assert.Equal(t, StepPublished, s.Step)

	s, err = Reduce(s, Event{Kind: EventLock})
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, s.Status)
	assert.Equal(t, StepLocked, s.Step)
}

func TestReduce_FinalApprovalJumpsToPublish(t *testing.T) {
	for _, step := range []Step{StepFirstApproval, StepSecondApproval} {
		s := twoPersonState()
		s.Status = models.StatusPendingApproval
		s.Step = step

		next, err := Reduce(s, Event{Kind: EventApprove, StepIndex: len(s.ApprovalList) - 1})

		require.NoError(t, err)
		assert.Equal(t, StepReadyToPublish, next.Step, "from %s", step)
	}
}

func TestReduce_LongListsStayOnSecondaryStep(t *testing.T) {
	s := InitialState(ApprovalPlan{Approvers: []string{"a", "b", "c", "d"}, StartStep: StepFirstApproval})
	s.Status = models.StatusPendingApproval

	for i := 0; i < 3; i++ {
		var err error
		s, err = Reduce(s, Event{Kind: EventApprove, StepIndex: i})
		require.NoError(t, err)
		assert.Equal(t, StepSecondApproval, s.Step)
	}
	s, err := Reduce(s, Event{Kind: EventApprove, StepIndex: 3})
	require.NoError(t, err)
	assert.Equal(t, StepReadyToPublish, s.Step)
}

func TestReduce_SuperAdminSubmitIsReadyToPublish(t *testing.T) {
	s := InitialState(PlanApprovals(models.RoleSuperAdmin, 0, DefaultApprovers()))

	s, err := Reduce(s, Event{Kind: EventSubmit})

	require.NoError(t, err)
	assert.Equal(t, StepReadyToPublish, s.Step)
	_, err = Reduce(s, Event{Kind: EventApprove, StepIndex: 0})
	var stateErr *WorkflowStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestReduce_EmptySubmitIsNoOp(t *testing.T) {
	s := twoPersonState()

	next, err := Reduce(s, Event{Kind: EventSubmit, Empty: true})

	require.NoError(t, err)
	assert.Equal(t, s, next)
}

func TestReduce_InvalidTransitions(t *testing.T) {
	pending := twoPersonState()
	pending.Status = models.StatusPendingApproval

	published := pending
	published.Status = models.StatusPublished
	published.Step = StepPublished

	tests := []struct {
		name  string
		state State
		event Event
	}{
		{"approve a draft", twoPersonState(), Event{Kind: EventApprove}},
		{"publish before approvals", pending, Event{Kind: EventPublish}},
		{"lock a pending result", pending, Event{Kind: EventLock}},
		{"submit twice", pending, Event{Kind: EventSubmit}},
		{"approve out of range", pending, Event{Kind: EventApprove, StepIndex: 2}},
		{"approve negative index", pending, Event{Kind: EventApprove, StepIndex: -1}},
		{"approve a published result", published, Event{Kind: EventApprove}},
		{"publish twice", published, Event{Kind: EventPublish}},
		{"unknown event", pending, Event{Kind: "cancel"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Reduce(tt.state, tt.event)
			var stateErr *WorkflowStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, tt.state, next)
		})
	}
}

func TestReduce_LockedRejectsEverything(t *testing.T) {
	locked := State{ResultID: "r1", Status: models.StatusLocked, Step: StepLocked}

	for _, e := range []Event{
		{Kind: EventSubmit},
		{Kind: EventSubmit, Empty: true},
		{Kind: EventApprove},
		{Kind: EventPublish},
		{Kind: EventLock},
	} {
		next, err := Reduce(locked, e)
		var terminal *WorkflowTerminalStateError
		require.ErrorAs(t, err, &terminal, "event %s", e.Kind)
		assert.Equal(t, locked, next)
	}
}

func TestStateFromResult(t *testing.T) {
	approvers := DefaultApprovers()

	tests := []struct {
		name   string
		result models.LotteryResult
		want   Step
	}{
		{"pending, no approvals yet", models.LotteryResult{Status: models.StatusPendingApproval, RequiredApprovals: 2}, StepFirstApproval},
		{"pending, one of two", models.LotteryResult{Status: models.StatusPendingApproval, RequiredApprovals: 2, ApprovedBy: []string{"a"}}, StepSecondApproval},
		{"pending, complete", models.LotteryResult{Status: models.StatusPendingApproval, RequiredApprovals: 1, ApprovedBy: []string{"a"}}, StepReadyToPublish},
		{"pending, none required", models.LotteryResult{Status: models.StatusPendingApproval}, StepReadyToPublish},
		{"published", models.LotteryResult{Status: models.StatusPublished}, StepPublished},
		{"locked", models.LotteryResult{Status: models.StatusLocked}, StepLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := StateFromResult(tt.result, approvers)
			assert.Equal(t, tt.want, s.Step)
			assert.Len(t, s.ApprovalList, tt.result.RequiredApprovals)
		})
	}
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "ready-to-publish", StepReadyToPublish.String())
	assert.Equal(t, "unknown", Step(42).String())
}
