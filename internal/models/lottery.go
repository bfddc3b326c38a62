package models

import "time"

// GameType identifies the kind of game a draw belongs to. It decides how many
// numbers a result carries and which range each position must fall in.
type GameType string

const (
	GamePick3     GameType = "pick3"
	GamePick4     GameType = "pick4"
	GamePick6     GameType = "pick6"
	GamePowerball GameType = "powerball"
	GameRaffle    GameType = "raffle"
)

// RaffleDefaultCount is how many ticket references the generator draws for a raffle.
const RaffleDefaultCount = 10

var requiredCounts = map[GameType]int{
	GamePick3:     3,
	GamePick4:     4,
	GamePick6:     6,
	GamePowerball: 7,
	GameRaffle:    RaffleDefaultCount,
}

// Valid reports whether g is one of the known game types.
func (g GameType) Valid() bool {
	_, ok := requiredCounts[g]
	return ok
}

// Count returns how many numbers a generated result for g holds.
// Unknown game types yield 0.
func (g GameType) Count() int {
	return requiredCounts[g]
}

// FixedCount reports whether results for g must have exactly Count() numbers.
// Raffles accept any non-empty sequence.
func (g GameType) FixedCount() bool {
	return g.Valid() && g != GameRaffle
}

// ResultStatus is the publication state of a result. The order is
// draft -> pending_approval -> published -> locked, and locked is terminal.
type ResultStatus string

const (
	StatusDraft           ResultStatus = "draft"
	StatusPendingApproval ResultStatus = "pending_approval"
	StatusPublished       ResultStatus = "published"
	StatusLocked          ResultStatus = "locked"
)

// Terminal reports whether no transition may leave s.
func (s ResultStatus) Terminal() bool {
	return s == StatusLocked
}

// RNGMethod records where a result's numbers came from.
type RNGMethod string

const (
	RNGAlgorithm RNGMethod = "algorithm"
	RNGPhysical  RNGMethod = "physical"
)

// AuditAction is the kind of change an AuditEntry records.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditApprove AuditAction = "approve"
	AuditPublish AuditAction = "publish"
	AuditLock    AuditAction = "lock"
)

// AuditEntry is one immutable line of a result's audit trail.
type AuditEntry struct {
	Action    AuditAction    `json:"action"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LotteryResult stores the outcome of a single draw together with its
// approval and audit history.
type LotteryResult struct {
	ID                string       `json:"id"`
	DrawID            string       `json:"drawId"`
	GameType          GameType     `json:"gameType"`
	Numbers           []int        `json:"numbers"`
	Status            ResultStatus `json:"status"`
	RNGMethod         RNGMethod    `json:"rngMethod,omitempty"`
	ApprovedBy        []string     `json:"approvedBy"`
	RequiredApprovals int          `json:"requiredApprovals"`
	AuditTrail        []AuditEntry `json:"auditTrail"`
	Version           int64        `json:"version"`
	CreatedAt         time.Time    `json:"createdAt"`
	PublishedAt       *time.Time   `json:"publishedAt,omitempty"`
	LockedAt          *time.Time   `json:"lockedAt,omitempty"`
}

// Clone returns a deep copy so callers can't alias the repository's slices.
func (r LotteryResult) Clone() LotteryResult {
	out := r
	out.Numbers = append(make([]int, 0, len(r.Numbers)), r.Numbers...)
	out.ApprovedBy = append(make([]string, 0, len(r.ApprovedBy)), r.ApprovedBy...)
	out.AuditTrail = make([]AuditEntry, len(r.AuditTrail))
	for i, e := range r.AuditTrail {
		out.AuditTrail[i] = e
		if e.Metadata != nil {
			md := make(map[string]any, len(e.Metadata))
			for k, v := range e.Metadata {
				md[k] = v
			}
			out.AuditTrail[i].Metadata = md
		}
	}
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		out.PublishedAt = &t
	}
	if r.LockedAt != nil {
		t := *r.LockedAt
		out.LockedAt = &t
	}
	return out
}

// ResultSubmission is the payload of submitResults.
type ResultSubmission struct {
	DrawID            string         `json:"drawId" validate:"required"`
	GameType          GameType       `json:"gameType" validate:"required,oneof=pick3 pick4 pick6 powerball raffle"`
	Numbers           []int          `json:"numbers" validate:"required,min=1"`
	RNGMethod         RNGMethod      `json:"rngMethod,omitempty" validate:"omitempty,oneof=algorithm physical"`
	RequireApproval   bool           `json:"requireApproval"`
	RequiredApprovals int            `json:"requiredApprovals" validate:"min=0,max=5"`
	UserID            string         `json:"userId" validate:"required"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// ApprovalRequest is the payload of approveResults.
type ApprovalRequest struct {
	ResultID        string `json:"resultId" validate:"required"`
	UserID          string `json:"userId" validate:"required"`
	StepIndex       int    `json:"stepIndex"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
}

// TransitionRequest is the payload of publishResults and lockResults.
type TransitionRequest struct {
	ResultID        string `json:"resultId" validate:"required"`
	UserID          string `json:"userId" validate:"required"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
}

// ExistingResults is what getExistingResults returns to pre-populate entry forms.
type ExistingResults struct {
	Numbers     []int        `json:"numbers"`
	Status      ResultStatus `json:"status"`
	LastUpdated *time.Time   `json:"lastUpdated,omitempty"`
}
