package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/logger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"lotteryresults/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const resultColumns = `id, draw_id, game_type, numbers, status, rng_method, approved_by,
	required_approvals, version, created_at, published_at, locked_at`

type resultRow struct {
	ID                string         `db:"id"`
	DrawID            string         `db:"draw_id"`
	GameType          string         `db:"game_type"`
	Numbers           pq.Int64Array  `db:"numbers"`
	Status            string         `db:"status"`
	RNGMethod         string         `db:"rng_method"`
	ApprovedBy        pq.StringArray `db:"approved_by"`
	RequiredApprovals int            `db:"required_approvals"`
	Version           int64          `db:"version"`
	CreatedAt         time.Time      `db:"created_at"`
	PublishedAt       *time.Time     `db:"published_at"`
	LockedAt          *time.Time     `db:"locked_at"`
}

func (r resultRow) toModel() models.LotteryResult {
	numbers := make([]int, len(r.Numbers))
	for i, n := range r.Numbers {
		numbers[i] = int(n)
	}
	return models.LotteryResult{
		ID:                r.ID,
		DrawID:            r.DrawID,
		GameType:          models.GameType(r.GameType),
		Numbers:           numbers,
		Status:            models.ResultStatus(r.Status),
		RNGMethod:         models.RNGMethod(r.RNGMethod),
		ApprovedBy:        append([]string{}, r.ApprovedBy...),
		RequiredApprovals: r.RequiredApprovals,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		PublishedAt:       r.PublishedAt,
		LockedAt:          r.LockedAt,
		AuditTrail:        []models.AuditEntry{},
	}
}

type auditRow struct {
	ResultID  string    `db:"result_id"`
	Action    string    `db:"action"`
	UserID    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	Metadata  []byte    `db:"metadata"`
}

func (a auditRow) toModel() (models.AuditEntry, error) {
	entry := models.AuditEntry{
		Action:    models.AuditAction(a.Action),
		UserID:    a.UserID,
		Timestamp: a.CreatedAt,
	}
	if len(a.Metadata) > 0 {
		if err := json.Unmarshal(a.Metadata, &entry.Metadata); err != nil {
			return models.AuditEntry{}, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return entry, nil
}

var (
	_ Repository = (*PostgresStore)(nil)
	_ Lifecycle  = (*PostgresStore)(nil)
)

// PostgresStore persists results in PostgreSQL.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenPostgres connects to the database behind dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)
	return db, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Init applies the embedded schema migrations.
func (s *PostgresStore) Init(context.Context) error {
	return Migrate(s.db.DB)
}

// Reset removes every result and audit entry.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE result_audit_entries, lottery_results`); err != nil {
		return fmt.Errorf("reset results: %w", err)
	}
	return nil
}

// Migrate runs the embedded migrations against db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("result store migrations applied")
	return nil
}

// SubmitResults creates a pending_approval result. A per-draw advisory lock
// serialises concurrent submissions for the same draw.
func (s *PostgresStore) SubmitResults(ctx context.Context, sub models.ResultSubmission) (models.LotteryResult, error) {
	if sub.DrawID == "" || len(sub.Numbers) == 0 || !sub.GameType.Valid() {
		return models.LotteryResult{}, ErrInvalidSubmission
	}

	var out models.LotteryResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.DrawID); err != nil {
			return fmt.Errorf("lock draw: %w", err)
		}

		var latest string
		err := tx.GetContext(ctx, &latest,
			`SELECT status FROM lottery_results WHERE draw_id = $1 ORDER BY created_at DESC LIMIT 1`, sub.DrawID)
		switch {
		case err == nil && models.ResultStatus(latest) != models.StatusDraft:
			return fmt.Errorf("draw %s: %w", sub.DrawID, ErrConflict)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check draw results: %w", err)
		}

		numbers := make(pq.Int64Array, len(sub.Numbers))
		for i, n := range sub.Numbers {
			numbers[i] = int64(n)
		}
		now := s.now()
		var row resultRow
		err = tx.GetContext(ctx, &row, `INSERT INTO lottery_results
			(draw_id, game_type, numbers, status, rng_method, approved_by, required_approvals, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
			RETURNING `+resultColumns,
			sub.DrawID, string(sub.GameType), numbers, string(models.StatusPendingApproval),
			string(sub.RNGMethod), pq.StringArray{}, requiredApprovals(sub), now)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}

		entry := models.AuditEntry{Action: models.AuditCreate, UserID: sub.UserID, Timestamp: now, Metadata: sub.Metadata}
		if err := insertAudit(ctx, tx, row.ID, entry); err != nil {
			return err
		}
		out = row.toModel()
		out.AuditTrail = []models.AuditEntry{entry}
		return nil
	})
	return out, err
}

// GetExistingResults returns the latest numbers and status of a draw.
func (s *PostgresStore) GetExistingResults(ctx context.Context, drawID string) (models.ExistingResults, error) {
	history, err := s.GetResultHistory(ctx, drawID)
	if err != nil {
		return models.ExistingResults{}, err
	}
	return existingFrom(history), nil
}

// ApproveResults appends the approver and an approve audit entry.
func (s *PostgresStore) ApproveResults(ctx context.Context, req models.ApprovalRequest) (models.LotteryResult, error) {
	return s.mutate(ctx, req.ResultID, func(r *models.LotteryResult, now time.Time) (models.AuditEntry, error) {
		if err := checkTransition(*r, req.ExpectedVersion, models.StatusPendingApproval); err != nil {
			return models.AuditEntry{}, err
		}
		if err := checkApproval(*r, req.UserID); err != nil {
			return models.AuditEntry{}, err
		}
		r.ApprovedBy = append(r.ApprovedBy, req.UserID)
		return models.AuditEntry{
			Action:    models.AuditApprove,
			UserID:    req.UserID,
			Timestamp: now,
			Metadata:  map[string]any{"step": req.StepIndex},
		}, nil
	})
}

// PublishResults moves a fully approved result to published.
func (s *PostgresStore) PublishResults(ctx context.Context, req models.TransitionRequest) (models.LotteryResult, error) {
	return s.mutate(ctx, req.ResultID, func(r *models.LotteryResult, now time.Time) (models.AuditEntry, error) {
		if err := checkTransition(*r, req.ExpectedVersion, models.StatusPendingApproval); err != nil {
			return models.AuditEntry{}, err
		}
		if err := checkPublishable(*r); err != nil {
			return models.AuditEntry{}, err
		}
		r.Status = models.StatusPublished
		r.PublishedAt = &now
		return models.AuditEntry{Action: models.AuditPublish, UserID: req.UserID, Timestamp: now}, nil
	})
}

// LockResults freezes a published result.
func (s *PostgresStore) LockResults(ctx context.Context, req models.TransitionRequest) (models.LotteryResult, error) {
	return s.mutate(ctx, req.ResultID, func(r *models.LotteryResult, now time.Time) (models.AuditEntry, error) {
		if err := checkTransition(*r, req.ExpectedVersion, models.StatusPublished); err != nil {
			return models.AuditEntry{}, err
		}
		r.Status = models.StatusLocked
		r.LockedAt = &now
		return models.AuditEntry{Action: models.AuditLock, UserID: req.UserID, Timestamp: now}, nil
	})
}

// GetResultHistory returns every result of a draw with its audit trail, oldest first.
func (s *PostgresStore) GetResultHistory(ctx context.Context, drawID string) ([]models.LotteryResult, error) {
	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+resultColumns+` FROM lottery_results WHERE draw_id = $1 ORDER BY created_at`, drawID); err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	history := make([]models.LotteryResult, len(rows))
	if len(rows) == 0 {
		return history, nil
	}

	index := make(map[string]int, len(rows))
	ids := make(pq.StringArray, len(rows))
	for i, row := range rows {
		history[i] = row.toModel()
		index[row.ID] = i
		ids[i] = row.ID
	}

	var audits []auditRow
	if err := s.db.SelectContext(ctx, &audits,
		`SELECT result_id, action, user_id, created_at, metadata FROM result_audit_entries
		WHERE result_id = ANY($1) ORDER BY id`, ids); err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	for _, a := range audits {
		entry, err := a.toModel()
		if err != nil {
			return nil, err
		}
		i := index[a.ResultID]
		history[i].AuditTrail = append(history[i].AuditTrail, entry)
	}
	return history, nil
}

type mutation func(*models.LotteryResult, time.Time) (models.AuditEntry, error)

// mutate loads the row under FOR UPDATE, applies fn and writes the new state
// and its audit entry in one transaction.
func (s *PostgresStore) mutate(ctx context.Context, resultID string, fn mutation) (models.LotteryResult, error) {
	var out models.LotteryResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row resultRow
		err := tx.GetContext(ctx, &row, `SELECT `+resultColumns+` FROM lottery_results WHERE id = $1 FOR UPDATE`, resultID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load result: %w", err)
		}

		result := row.toModel()
		entry, err := fn(&result, s.now())
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE lottery_results
			SET status = $1, approved_by = $2, published_at = $3, locked_at = $4, version = version + 1
			WHERE id = $5`,
			string(result.Status), pq.StringArray(result.ApprovedBy), result.PublishedAt, result.LockedAt, resultID); err != nil {
			return fmt.Errorf("update result: %w", err)
		}
		if err := insertAudit(ctx, tx, resultID, entry); err != nil {
			return err
		}

		var audits []auditRow
		if err := tx.SelectContext(ctx, &audits,
			`SELECT result_id, action, user_id, created_at, metadata FROM result_audit_entries
			WHERE result_id = $1 ORDER BY id`, resultID); err != nil {
			return fmt.Errorf("select audit entries: %w", err)
		}
		for _, a := range audits {
			e, err := a.toModel()
			if err != nil {
				return err
			}
			result.AuditTrail = append(result.AuditTrail, e)
		}
		result.Version++
		out = result
		return nil
	})
	return out, err
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, resultID string, entry models.AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = encoded
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO result_audit_entries (result_id, action, user_id, created_at, metadata) VALUES ($1, $2, $3, $4, $5)`,
		resultID, string(entry.Action), entry.UserID, entry.Timestamp, metadata); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warningf("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
