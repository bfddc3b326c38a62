package models

// DrawStatus is the sales lifecycle of a draw.
type DrawStatus string

const (
	DrawScheduled DrawStatus = "scheduled"
	DrawOpen      DrawStatus = "open"
	DrawClosed    DrawStatus = "closed"
	DrawCompleted DrawStatus = "completed"
	DrawCancelled DrawStatus = "cancelled"
)

// Draw is the slice of a scheduled draw that result handling needs to know about.
type Draw struct {
	ID                string     `json:"id"`
	Status            DrawStatus `json:"status" validate:"omitempty,oneof=scheduled open closed completed cancelled"`
	WinningNumbers    []int      `json:"winningNumbers,omitempty"`
	RequiredApprovals int        `json:"requiredApprovals" validate:"min=0,max=5"`
}

// Role names used by the approval policy.
const (
	RoleSuperAdmin = "super-admin"
	RoleAdmin      = "admin"
	RoleOperator   = "operator"
)
