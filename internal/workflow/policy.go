package workflow

import (
	"lotteryresults/internal/models"
)

// MaxRequiredApprovals bounds the draw security setting.
const MaxRequiredApprovals = 5

// Approvers lists the designated sign-off identities by role.
type Approvers struct {
	Admins      []string `mapstructure:"admins"`
	SuperAdmins []string `mapstructure:"super_admins"`
}

// DefaultApprovers returns the stock designated approvers.
func DefaultApprovers() Approvers {
	return Approvers{
		Admins:      []string{"admin-1@lottery.com"},
		SuperAdmins: []string{"super-admin-1@lottery.com"},
	}
}

func (a Approvers) firstAdmin() string {
	if len(a.Admins) > 0 {
		return a.Admins[0]
	}
	return DefaultApprovers().Admins[0]
}

func (a Approvers) firstSuperAdmin() string {
	if len(a.SuperAdmins) > 0 {
		return a.SuperAdmins[0]
	}
	return DefaultApprovers().SuperAdmins[0]
}

// ApprovalPlan is who has to sign off on a result and where the workflow starts.
type ApprovalPlan struct {
	Approvers []string `json:"approvalList"`
	StartStep Step     `json:"startStep"`
}

// PlanApprovals decides the sign-off list for an actor's submission.
//
// Super-admins publish without approval. Admins need one super-admin and
// everyone else needs an admin and a super-admin. A positive
// requiredApprovals resizes that list: it keeps the last N entries or extends
// it with further designated approvers.
func PlanApprovals(role string, requiredApprovals int, approvers Approvers) ApprovalPlan {
	if role == models.RoleSuperAdmin {
		return ApprovalPlan{Approvers: []string{}, StartStep: StepReadyToPublish}
	}

	var list []string
	if role == models.RoleAdmin {
		list = []string{approvers.firstSuperAdmin()}
	} else {
		list = []string{approvers.firstAdmin(), approvers.firstSuperAdmin()}
	}

	n := min(requiredApprovals, MaxRequiredApprovals)
	switch {
	case n > 0 && n < len(list):
		list = list[len(list)-n:]
	case n > len(list):
		list = extend(list, n, approvers)
	}
	return ApprovalPlan{Approvers: list, StartStep: StepFirstApproval}
}

// planForResult rebuilds the sign-off list of a stored result from its
// required approval count, independently of who is looking at it.
func planForResult(requiredApprovals int, approvers Approvers) ApprovalPlan {
	if requiredApprovals <= 0 {
		return ApprovalPlan{Approvers: []string{}, StartStep: StepReadyToPublish}
	}
	return PlanApprovals(models.RoleOperator, requiredApprovals, approvers)
}

func extend(list []string, n int, approvers Approvers) []string {
	seen := make(map[string]bool, len(list))
	for _, id := range list {
		seen[id] = true
	}
	pool := append(append([]string{}, approvers.Admins...), approvers.SuperAdmins...)
	for _, id := range pool {
		if len(list) >= n {
			break
		}
		if !seen[id] {
			seen[id] = true
			list = append(list, id)
		}
	}
	return list
}

// CanApprove reports whether role may sign off on results.
func CanApprove(role string) bool {
	return role == models.RoleAdmin || role == models.RoleSuperAdmin
}

// CanLock reports whether role may lock published results.
func CanLock(role string) bool {
	return role == models.RoleAdmin || role == models.RoleSuperAdmin
}

// Permissions are the draw actions available to an actor.
type Permissions struct {
	CanEdit        bool `json:"canEdit"`
	CanCancel      bool `json:"canCancel"`
	CanPostResults bool `json:"canPostResults"`
	CanDelete      bool `json:"canDelete"`
}

// DrawPermissions derives what role may do with draw in its current status.
func DrawPermissions(role string, draw models.Draw) Permissions {
	isAdmin := role == models.RoleAdmin || role == models.RoleSuperAdmin
	isSuper := role == models.RoleSuperAdmin
	editable := draw.Status == models.DrawScheduled || draw.Status == models.DrawOpen

	return Permissions{
		CanEdit:        isAdmin && editable,
		CanCancel:      isSuper && editable,
		CanPostResults: isAdmin && draw.Status == models.DrawClosed && len(draw.WinningNumbers) == 0,
		CanDelete:      isSuper && (draw.Status == models.DrawScheduled || draw.Status == models.DrawCancelled),
	}
}
