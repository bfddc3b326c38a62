package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/logger"
	"github.com/robfig/cron/v3"

	"lotteryresults/internal/models"
	"lotteryresults/internal/repository"
	"lotteryresults/internal/rng"
	"lotteryresults/internal/validation"
	"lotteryresults/internal/workflow"
)

var (
	// ErrNoSession is returned when an actor has not started a workflow on a draw.
	ErrNoSession = errors.New("no workflow in progress for this draw, start one first")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// SystemActor performs janitor-driven transitions.
var SystemActor = workflow.Actor{UserID: "system@lottery.com", Role: models.RoleSuperAdmin}

// WorkflowSession holds one actor's workflow on one draw.
type WorkflowSession struct {
	DrawID       string
	Actor        workflow.Actor
	Workflow     *workflow.Workflow
	LastActivity time.Time
}

// Options tune a ResultService.
type Options struct {
	SessionTTL    time.Duration
	AutoLockAfter time.Duration
	StrictCount   bool
}

// ResultService manages workflow sessions and the read side of draw results.
type ResultService struct {
	mu       sync.RWMutex
	sessions map[string]*WorkflowSession // Key: drawID + "/" + userID

	engine    *workflow.Engine
	repo      repository.Repository
	generator *rng.Generator
	numbers   validation.Validator
	validate  *validator.Validate

	sessionTTL    time.Duration
	autoLockAfter time.Duration
	now           func() time.Time
}

// NewResultService creates and initializes a new ResultService.
func NewResultService(engine *workflow.Engine, repo repository.Repository, generator *rng.Generator, opts Options) *ResultService {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	return &ResultService{
		sessions:      make(map[string]*WorkflowSession),
		engine:        engine,
		repo:          repo,
		generator:     generator,
		numbers:       validation.Validator{StrictCount: opts.StrictCount},
		validate:      validator.New(),
		sessionTTL:    opts.SessionTTL,
		autoLockAfter: opts.AutoLockAfter,
		now:           time.Now,
	}
}

func sessionKey(drawID, userID string) string { return drawID + "/" + userID }

// getSession returns the actor's session on a draw and marks it active.
func (s *ResultService) getSession(drawID string, actor workflow.Actor) (*WorkflowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionKey(drawID, actor.UserID)]
	if !exists {
		return nil, ErrNoSession
	}
	session.LastActivity = s.now()
	return session, nil
}

func (s *ResultService) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// StartRequest opens a workflow on a draw.
type StartRequest struct {
	GameType          models.GameType `json:"gameType" validate:"required,oneof=pick3 pick4 pick6 powerball raffle"`
	RequiredApprovals int             `json:"requiredApprovals" validate:"min=0,max=5"`
}

// StartWorkflow creates or replaces the actor's workflow on drawID.
func (s *ResultService) StartWorkflow(ctx context.Context, drawID string, actor workflow.Actor, req StartRequest) (workflow.View, error) {
	if err := s.check(req); err != nil {
		return workflow.View{}, err
	}
	wf, err := s.engine.Start(ctx, drawID, req.GameType, actor, req.RequiredApprovals)
	if err != nil {
		return workflow.View{}, err
	}

	s.mu.Lock()
	s.sessions[sessionKey(drawID, actor.UserID)] = &WorkflowSession{
		DrawID:       drawID,
		Actor:        actor,
		Workflow:     wf,
		LastActivity: s.now(),
	}
	s.mu.Unlock()

	return wf.Snapshot(), nil
}

// Workflow returns the actor's current workflow view.
func (s *ResultService) Workflow(drawID string, actor workflow.Actor) (workflow.View, error) {
	session, err := s.getSession(drawID, actor)
	if err != nil {
		return workflow.View{}, err
	}
	return session.Workflow.Snapshot(), nil
}

// SubmitRequest carries numbers for submission. Source and FellBack describe a
// generated sequence and end up in the create audit entry.
type SubmitRequest struct {
	Numbers   []int            `json:"numbers"`
	RNGMethod models.RNGMethod `json:"rngMethod" validate:"omitempty,oneof=algorithm physical"`
	Source    rng.SourceKind   `json:"source,omitempty" validate:"omitempty,oneof=secure weak"`
	FellBack  bool             `json:"fellBack,omitempty"`
}

// Submit sends numbers for approval. Empty numbers change nothing.
func (s *ResultService) Submit(ctx context.Context, drawID string, actor workflow.Actor, req SubmitRequest) (workflow.View, error) {
	if err := s.check(req); err != nil {
		return workflow.View{}, err
	}
	session, err := s.getSession(drawID, actor)
	if err != nil {
		return workflow.View{}, err
	}

	var metadata map[string]any
	if req.Source != "" {
		metadata = map[string]any{"source": string(req.Source), "fellBack": req.FellBack}
	}
	err = session.Workflow.Submit(ctx, req.Numbers, req.RNGMethod, metadata)
	return session.Workflow.Snapshot(), err
}

// Approve signs off approval list position stepIndex.
func (s *ResultService) Approve(ctx context.Context, drawID string, actor workflow.Actor, stepIndex int) (workflow.View, error) {
	return s.run(drawID, actor, func(wf *workflow.Workflow) error { return wf.Approve(ctx, stepIndex) })
}

// Publish publishes the draw's result.
func (s *ResultService) Publish(ctx context.Context, drawID string, actor workflow.Actor) (workflow.View, error) {
	return s.run(drawID, actor, func(wf *workflow.Workflow) error { return wf.Publish(ctx) })
}

// Lock locks the draw's published result.
func (s *ResultService) Lock(ctx context.Context, drawID string, actor workflow.Actor) (workflow.View, error) {
	return s.run(drawID, actor, func(wf *workflow.Workflow) error { return wf.Lock(ctx) })
}

// Reload refreshes the actor's workflow from the repository.
func (s *ResultService) Reload(ctx context.Context, drawID string, actor workflow.Actor) (workflow.View, error) {
	return s.run(drawID, actor, func(wf *workflow.Workflow) error { return wf.Reload(ctx) })
}

func (s *ResultService) run(drawID string, actor workflow.Actor, fn func(*workflow.Workflow) error) (workflow.View, error) {
	session, err := s.getSession(drawID, actor)
	if err != nil {
		return workflow.View{}, err
	}
	err = fn(session.Workflow)
	return session.Workflow.Snapshot(), err
}

// GenerateRequest asks for a random sequence.
type GenerateRequest struct {
	GameType models.GameType `json:"gameType" validate:"required,oneof=pick3 pick4 pick6 powerball raffle"`
	// Secure defaults to true when omitted.
	Secure *bool `json:"secure,omitempty"`
}

// Generate draws numbers for a game. It never touches stored results.
func (s *ResultService) Generate(ctx context.Context, req GenerateRequest) (rng.Generation, error) {
	if err := s.check(req); err != nil {
		return rng.Generation{}, err
	}
	secure := req.Secure == nil || *req.Secure
	return s.generator.Generate(ctx, req.GameType, secure)
}

// ValidateRequest carries numbers to check without submitting them.
type ValidateRequest struct {
	GameType models.GameType `json:"gameType" validate:"required,oneof=pick3 pick4 pick6 powerball raffle"`
	Numbers  []int           `json:"numbers"`
}

// ValidateNumbers returns every violation of numbers for the game.
func (s *ResultService) ValidateNumbers(req ValidateRequest) (validation.Violations, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	return s.numbers.Validate(req.Numbers, req.GameType), nil
}

// FairnessRequest asks for a uniformity report over freshly generated sequences.
type FairnessRequest struct {
	GameType models.GameType `json:"gameType" validate:"required,oneof=pick3 pick4 pick6 powerball raffle"`
	Secure   bool            `json:"secure"`
	Rounds   int             `json:"rounds" validate:"required,min=1,max=20000"`
}

// Fairness generates req.Rounds sequences and tests their regular positions
// for uniformity over 1..99.
func (s *ResultService) Fairness(ctx context.Context, req FairnessRequest) (rng.FairnessReport, error) {
	if err := s.check(req); err != nil {
		return rng.FairnessReport{}, err
	}
	var samples []int
	for i := 0; i < req.Rounds; i++ {
		gen, err := s.generator.Generate(ctx, req.GameType, req.Secure)
		if err != nil {
			return rng.FairnessReport{}, err
		}
		regular := gen.Numbers
		if req.GameType == models.GamePowerball {
			regular = regular[:len(regular)-1]
		}
		samples = append(samples, regular...)
	}
	return rng.FairnessCheck(samples, 1, 99)
}

// ExistingResults returns the draw's latest numbers for pre-populating forms.
func (s *ResultService) ExistingResults(ctx context.Context, drawID string) (models.ExistingResults, error) {
	res, err := s.repo.GetExistingResults(ctx, drawID)
	if err != nil {
		return models.ExistingResults{}, &workflow.RepositoryError{Op: "getExistingResults", Err: err}
	}
	return res, nil
}

// History returns every result of the draw, oldest first.
func (s *ResultService) History(ctx context.Context, drawID string) ([]models.LotteryResult, error) {
	history, err := s.repo.GetResultHistory(ctx, drawID)
	if err != nil {
		return nil, &workflow.RepositoryError{Op: "getResultHistory", Err: err}
	}
	return history, nil
}

// AuditRow is one flattened audit entry.
type AuditRow struct {
	ResultID  string
	Action    models.AuditAction
	UserID    string
	Timestamp time.Time
	Details   string
}

// AuditLog flattens the audit trails of a draw's results in time order.
func (s *ResultService) AuditLog(ctx context.Context, drawID string) ([]AuditRow, error) {
	history, err := s.History(ctx, drawID)
	if err != nil {
		return nil, err
	}
	var rows []AuditRow
	for _, r := range history {
		for _, e := range r.AuditTrail {
			rows = append(rows, AuditRow{
				ResultID:  r.ID,
				Action:    e.Action,
				UserID:    e.UserID,
				Timestamp: e.Timestamp,
				Details:   auditDetails(r, e),
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	return rows, nil
}

func auditDetails(r models.LotteryResult, e models.AuditEntry) string {
	switch e.Action {
	case models.AuditCreate:
		method := string(r.RNGMethod)
		if m, ok := e.Metadata["method"].(string); ok && m != "" {
			method = m
		}
		if method == "" {
			return ""
		}
		return "Method: " + method
	case models.AuditApprove:
		if step, ok := e.Metadata["step"]; ok {
			return fmt.Sprintf("Approval step: %v", step)
		}
	}
	return ""
}

// Permissions returns what role may do with a draw.
func (s *ResultService) Permissions(role string, draw models.Draw) (workflow.Permissions, error) {
	if err := s.check(draw); err != nil {
		return workflow.Permissions{}, err
	}
	return workflow.DrawPermissions(role, draw), nil
}

// AutoLockPublished locks results of tracked draws that were published longer
// than the auto-lock delay ago. It returns how many results it locked.
func (s *ResultService) AutoLockPublished(ctx context.Context) int {
	if s.autoLockAfter <= 0 {
		return 0
	}

	s.mu.RLock()
	draws := make(map[string]models.GameType)
	for _, session := range s.sessions {
		draws[session.DrawID] = session.Workflow.Snapshot().GameType
	}
	s.mu.RUnlock()

	locked := 0
	for drawID, gameType := range draws {
		wf, err := s.engine.Start(ctx, drawID, gameType, SystemActor, 0)
		if err != nil {
			logger.Warningf("auto-lock: load draw %s: %v", drawID, err)
			continue
		}
		view := wf.Snapshot()
		if view.Status != models.StatusPublished || view.Result == nil || view.Result.PublishedAt == nil {
			continue
		}
		if s.now().Sub(*view.Result.PublishedAt) < s.autoLockAfter {
			continue
		}
		if err := wf.Lock(ctx); err != nil {
			logger.Warningf("auto-lock: lock draw %s: %v", drawID, err)
			continue
		}
		logger.Infof("auto-lock: locked result %s of draw %s", view.Result.ID, drawID)
		locked++
	}
	return locked
}

// CleanUpInactiveSessions removes sessions idle for longer than the session TTL.
func (s *ResultService) CleanUpInactiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, session := range s.sessions {
		if s.now().Sub(session.LastActivity) > s.sessionTTL {
			delete(s.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Infof("removed %d inactive workflow sessions", removed)
	}
	return removed
}

// ClearSession drops an actor's workflow on a draw.
func (s *ResultService) ClearSession(drawID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(drawID, userID))
	logger.Infof("Cleared workflow session for draw %s, user %s", drawID, userID)
}

// StartJanitor runs session cleanup and auto-locking on a cron schedule. Stop
// the returned scheduler on shutdown.
func (s *ResultService) StartJanitor(schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.CleanUpInactiveSessions()
		s.AutoLockPublished(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule janitor %q: %w", schedule, err)
	}
	c.Start()
	logger.Infof("janitor scheduled: %s", schedule)
	return c, nil
}
