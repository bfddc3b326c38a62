package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lotteryresults/internal/models"
	"lotteryresults/internal/repository"
	"lotteryresults/internal/rng"
	"lotteryresults/internal/workflow"
)

var (
	testAdmin    = workflow.Actor{UserID: "admin-1@lottery.com", Role: models.RoleAdmin}
	testOperator = workflow.Actor{UserID: "operator-7@lottery.com", Role: models.RoleOperator}
	testSuper    = workflow.Actor{UserID: "super-admin-1@lottery.com", Role: models.RoleSuperAdmin}
)

// fakeClock is a settable time source shared by the store and the service.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestService(opts Options) (*ResultService, *repository.MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore().WithClock(clock.Now)
	engine := workflow.NewEngine(store, workflow.Options{StrictCount: true})
	gen := rng.NewGeneratorWithSources(rng.NewCryptoSource(), rng.NewPCGSource(3, 5))
	opts.StrictCount = true
	service := NewResultService(engine, store, gen, opts)
	service.now = clock.Now
	return service, store, clock
}

func TestResultService_Workflow(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(Options{})
	const drawID = "draw-2026-05-01"

	t.Run("Test actions before start", func(t *testing.T) {
		_, err := service.Publish(ctx, drawID, testAdmin)
		if !errors.Is(err, ErrNoSession) {
			t.Fatalf("Expected ErrNoSession, but got %v", err)
		}
	})

	t.Run("Test admin submits and publishes", func(t *testing.T) {
		view, err := service.StartWorkflow(ctx, drawID, testAdmin, StartRequest{GameType: models.GamePick6})
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if len(view.ApprovalList) != 1 || view.Step != workflow.StepFirstApproval {
			t.Fatalf("Expected one approver at step 1, but got %v at step %d", view.ApprovalList, view.Step)
		}

		view, err = service.Submit(ctx, drawID, testAdmin, SubmitRequest{
			Numbers:   []int{5, 12, 23, 34, 45, 56},
			RNGMethod: models.RNGAlgorithm,
			Source:    rng.SourceSecure,
		})
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if view.Status != models.StatusPendingApproval {
			t.Errorf("Expected status pending_approval, but got %s", view.Status)
		}

		if _, err := service.Approve(ctx, drawID, testAdmin, 0); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		view, err = service.Publish(ctx, drawID, testAdmin)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if view.Status != models.StatusPublished {
			t.Errorf("Expected status published, but got %s", view.Status)
		}

		current, err := service.Workflow(drawID, testAdmin)
		if err != nil || current.Step != workflow.StepPublished {
			t.Errorf("Expected stored session at step 4, but got %d (%v)", current.Step, err)
		}
	})

	t.Run("Test existing results and audit log", func(t *testing.T) {
		existing, err := service.ExistingResults(ctx, drawID)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if existing.Status != models.StatusPublished || len(existing.Numbers) != 6 {
			t.Errorf("Expected 6 published numbers, but got %v (%s)", existing.Numbers, existing.Status)
		}

		rows, err := service.AuditLog(ctx, drawID)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("Expected 3 audit rows, but got %d", len(rows))
		}
		if rows[0].Details != "Method: algorithm" {
			t.Errorf("Expected create details to name the method, but got %q", rows[0].Details)
		}
		if rows[1].Details != "Approval step: 0" {
			t.Errorf("Expected approve details to name the step, but got %q", rows[1].Details)
		}
		if rows[2].Action != models.AuditPublish {
			t.Errorf("Expected last row to be publish, but got %s", rows[2].Action)
		}
	})

	t.Run("Test operator cannot lock", func(t *testing.T) {
		if _, err := service.StartWorkflow(ctx, drawID, testOperator, StartRequest{GameType: models.GamePick6}); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		_, err := service.Lock(ctx, drawID, testOperator)
		var authErr *workflow.AuthorizationError
		if !errors.As(err, &authErr) {
			t.Fatalf("Expected an authorization error, but got %v", err)
		}
	})
}

func TestResultService_RejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(Options{})

	if _, err := service.StartWorkflow(ctx, "d", testAdmin, StartRequest{GameType: "keno"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for unknown game, but got %v", err)
	}
	if _, err := service.StartWorkflow(ctx, "d", testAdmin, StartRequest{GameType: models.GamePick3, RequiredApprovals: 6}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for 6 approvals, but got %v", err)
	}
	if _, err := service.Generate(ctx, GenerateRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for missing game type, but got %v", err)
	}
	if _, err := service.Permissions(models.RoleAdmin, models.Draw{Status: "postponed"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for unknown draw status, but got %v", err)
	}
	if _, err := service.Fairness(ctx, FairnessRequest{GameType: models.GamePick3}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for zero rounds, but got %v", err)
	}
}

func TestResultService_GenerateAndValidate(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(Options{})

	gen, err := service.Generate(ctx, GenerateRequest{GameType: models.GamePowerball})
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if gen.Source != rng.SourceSecure {
		t.Errorf("Expected secure source by default, but got %s", gen.Source)
	}

	violations, err := service.ValidateNumbers(ValidateRequest{GameType: models.GamePowerball, Numbers: gen.Numbers})
	if err != nil || !violations.Valid() {
		t.Errorf("Expected generated numbers to validate, but got %v (%v)", violations, err)
	}

	weak := false
	gen, err = service.Generate(ctx, GenerateRequest{GameType: models.GamePick3, Secure: &weak})
	if err != nil || gen.Source != rng.SourceWeak {
		t.Errorf("Expected weak source, but got %s (%v)", gen.Source, err)
	}

	violations, _ = service.ValidateNumbers(ValidateRequest{GameType: models.GamePick3, Numbers: []int{0, 100}})
	if len(violations) != 3 {
		t.Errorf("Expected two position violations and a count violation, but got %v", violations)
	}
}

func TestResultService_Fairness(t *testing.T) {
	service, _, _ := newTestService(Options{})

	report, err := service.Fairness(context.Background(), FairnessRequest{GameType: models.GamePowerball, Secure: true, Rounds: 100})
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if report.Samples != 600 {
		t.Errorf("Expected 600 regular samples, but got %d", report.Samples)
	}
	if report.DegreesOfFreedom != 98 {
		t.Errorf("Expected 98 degrees of freedom, but got %d", report.DegreesOfFreedom)
	}
}

func TestResultService_Permissions(t *testing.T) {
	service, _, _ := newTestService(Options{})

	perms, err := service.Permissions(models.RoleAdmin, models.Draw{ID: "d", Status: models.DrawClosed})
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if !perms.CanPostResults || perms.CanDelete {
		t.Errorf("Expected admin to post results but not delete, but got %+v", perms)
	}
}

func TestResultService_CleanUpInactiveSessions(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(Options{SessionTTL: 30 * time.Minute})

	if _, err := service.StartWorkflow(ctx, "draw-a", testAdmin, StartRequest{GameType: models.GamePick3}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	clock.t = clock.t.Add(20 * time.Minute)
	if _, err := service.StartWorkflow(ctx, "draw-b", testAdmin, StartRequest{GameType: models.GamePick3}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	clock.t = clock.t.Add(15 * time.Minute)

	if removed := service.CleanUpInactiveSessions(); removed != 1 {
		t.Errorf("Expected 1 session removed, but got %d", removed)
	}
	if _, err := service.Workflow("draw-a", testAdmin); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected draw-a session to be gone, but got %v", err)
	}
	if _, err := service.Workflow("draw-b", testAdmin); err != nil {
		t.Errorf("Expected draw-b session to survive, but got %v", err)
	}

	service.ClearSession("draw-b", testAdmin.UserID)
	if _, err := service.Workflow("draw-b", testAdmin); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected draw-b session to be cleared, but got %v", err)
	}
}

func TestResultService_AutoLockPublished(t *testing.T) {
	ctx := context.Background()
	service, store, clock := newTestService(Options{AutoLockAfter: 24 * time.Hour})
	const drawID = "draw-autolock"

	if _, err := service.StartWorkflow(ctx, drawID, testSuper, StartRequest{GameType: models.GamePick3}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := service.Submit(ctx, drawID, testSuper, SubmitRequest{Numbers: []int{3, 6, 9}}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := service.Publish(ctx, drawID, testSuper); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	clock.t = clock.t.Add(time.Hour)
	if n := service.AutoLockPublished(ctx); n != 0 {
		t.Errorf("Expected nothing locked after an hour, but got %d", n)
	}

	clock.t = clock.t.Add(24 * time.Hour)
	if n := service.AutoLockPublished(ctx); n != 1 {
		t.Fatalf("Expected 1 result locked, but got %d", n)
	}
	existing, _ := store.GetExistingResults(ctx, drawID)
	if existing.Status != models.StatusLocked {
		t.Errorf("Expected status locked, but got %s", existing.Status)
	}

	history, _ := store.GetResultHistory(ctx, drawID)
	trail := history[0].AuditTrail
	if last := trail[len(trail)-1]; last.Action != models.AuditLock || last.UserID != SystemActor.UserID {
		t.Errorf("Expected a lock entry by %s, but got %+v", SystemActor.UserID, last)
	}

	// The super-admin's own session is now behind the store.
	_, err := service.Lock(ctx, drawID, testSuper)
	if !errors.Is(err, workflow.ErrStaleWorkflow) {
		var terminal *workflow.WorkflowTerminalStateError
		if !errors.As(err, &terminal) {
			t.Errorf("Expected a stale or terminal error, but got %v", err)
		}
	}
}

func TestResultService_StartJanitor(t *testing.T) {
	service, _, _ := newTestService(Options{})

	if _, err := service.StartJanitor("every tuesday-ish"); err == nil || !strings.Contains(err.Error(), "schedule janitor") {
		t.Errorf("Expected a schedule error, but got %v", err)
	}

	c, err := service.StartJanitor("@every 1h")
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("Expected 1 janitor entry, but got %d", len(c.Entries()))
	}
	<-c.Stop().Done()
}
