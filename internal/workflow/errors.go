package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"lotteryresults/internal/models"
	"lotteryresults/internal/validation"
)

// ErrStaleWorkflow is returned once the workflow no longer matches the stored
// result. Call Reload before trying again.
var ErrStaleWorkflow = errors.New("result changed since the workflow was loaded, reload before continuing")

// ValidationError carries every per-position violation of the submitted numbers.
type ValidationError struct {
	Violations validation.Violations
}

func (e *ValidationError) Error() string {
	keys := make([]int, 0, len(e.Violations))
	for k := range e.Violations {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == validation.CountKey {
			parts = append(parts, e.Violations[k])
			continue
		}
		parts = append(parts, fmt.Sprintf("position %d: %s", k, e.Violations[k]))
	}
	return "invalid numbers: " + strings.Join(parts, "; ")
}

// WorkflowStateError reports an operation attempted outside the state it is valid in.
type WorkflowStateError struct {
	Op     string
	Status models.ResultStatus
	Step   Step
	Reason string
	// Err is the repository rule that refused the operation, if any.
	Err error
}

func (e *WorkflowStateError) Error() string {
	return fmt.Sprintf("cannot %s while result is %s at step %q: %s", e.Op, e.Status, e.Step, e.Reason)
}

func (e *WorkflowStateError) Unwrap() error { return e.Err }

// WorkflowTerminalStateError reports an operation attempted on a locked result.
type WorkflowTerminalStateError struct {
	Op       string
	ResultID string
}

func (e *WorkflowTerminalStateError) Error() string {
	return fmt.Sprintf("cannot %s: result %s is locked and can no longer change", e.Op, e.ResultID)
}

// AuthorizationError reports an actor whose role may not perform Op.
type AuthorizationError struct {
	Op   string
	Role string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q is not allowed to %s results", e.Role, e.Op)
}

// RepositoryError wraps a failed repository call. It is never retried.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s failed at the results backend: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }
