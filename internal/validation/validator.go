// Package validation checks result numbers against the per-game rules before
// they may be submitted.
package validation

import (
	"fmt"

	"lotteryresults/internal/models"
)

// Violation messages. Callers match on these to render inline errors.
const (
	MsgNotPositive  = "must be positive"
	MsgMaxRegular   = "must not exceed 99"
	MsgMaxPowerball = "must not exceed 20 for the Powerball"
	MsgNotUnique    = "numbers must be unique"
	MsgUnknownGame  = "unknown game type"
)

const (
	maxRegular   = 99
	maxPowerball = 20
)

// CountKey is the Violations key used for sequence-level problems
// (wrong count, unknown game type) reported by a strict Validator.
const CountKey = -1

// Violations maps a position index to the reason it is invalid.
// An empty map means the numbers are valid.
type Violations map[int]string

// Valid reports whether no violation was recorded.
func (v Violations) Valid() bool { return len(v) == 0 }

// Validator checks numbers for a game type. The zero value applies only the
// per-position rules; StrictCount also requires the exact count of the game.
type Validator struct {
	StrictCount bool
}

// Validate applies the per-position rules and never stops at the first problem.
//
// Any value <= 0 is "must be positive". The last Powerball position is bounded
// by 20, every other position by 99. For every game except raffle and
// powerball, a single duplicate marks all positions as not unique.
func Validate(numbers []int, gameType models.GameType) Violations {
	violations := Violations{}
	last := len(numbers) - 1

	for i, n := range numbers {
		if n <= 0 {
			violations[i] = MsgNotPositive
			continue
		}
		if gameType == models.GamePowerball && i == last {
			if n > maxPowerball {
				violations[i] = MsgMaxPowerball
			}
			continue
		}
		if n > maxRegular {
			violations[i] = MsgMaxRegular
		}
	}

	if gameType != models.GameRaffle && gameType != models.GamePowerball && hasDuplicate(numbers) {
		for i := range numbers {
			violations[i] = MsgNotUnique
		}
	}
	return violations
}

// Validate runs the package rules and, when StrictCount is set, the count check.
func (v Validator) Validate(numbers []int, gameType models.GameType) Violations {
	violations := Validate(numbers, gameType)
	if !v.StrictCount {
		return violations
	}
	if msg := countViolation(len(numbers), gameType); msg != "" {
		violations[CountKey] = msg
	}
	return violations
}

func countViolation(n int, gameType models.GameType) string {
	switch {
	case !gameType.Valid():
		return MsgUnknownGame
	case gameType.FixedCount() && n != gameType.Count():
		return fmt.Sprintf("exactly %d numbers required", gameType.Count())
	case n < 1:
		return "at least one number required"
	}
	return ""
}

func hasDuplicate(numbers []int) bool {
	seen := make(map[int]struct{}, len(numbers))
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			return true
		}
		seen[n] = struct{}{}
	}
	return false
}
