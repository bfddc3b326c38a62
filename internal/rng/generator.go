// Package rng draws candidate winning numbers for a game type.
//
// Every value is reduced into range with value%99+1 (value%20+1 for the
// Powerball). The reduction over a 32-bit word is slightly biased towards
// the low residues; see ModuloBias. The mapping is kept as is so generated
// sequences match the ones produced by existing draw tooling.
package rng

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/logger"

	"lotteryresults/internal/metrics"
	"lotteryresults/internal/models"
)

const (
	regularBound   = 99
	powerballBound = 20
	// maxRedraws bounds the re-draws spent on one position that collided
	// with an earlier one.
	maxRedraws = 256
)

var (
	ErrUnknownGameType  = errors.New("unknown game type")
	ErrRedrawsExhausted = errors.New("could not draw a distinct number")
)

// Generation is one generated sequence plus its provenance.
type Generation struct {
	Numbers  []int            `json:"numbers"`
	Method   models.RNGMethod `json:"rngMethod"`
	Source   SourceKind       `json:"source"`
	FellBack bool             `json:"fellBack"`
}

// Generator produces candidate numbers from a secure and a weak source.
type Generator struct {
	secure Source
	weak   Source
}

// NewGenerator creates a Generator using crypto/rand and a clock-seeded PCG.
func NewGenerator() *Generator {
	return NewGeneratorWithSources(NewCryptoSource(), NewTimeSeededSource())
}

// NewGeneratorWithSources creates a Generator from explicit sources.
func NewGeneratorWithSources(secure, weak Source) *Generator {
	return &Generator{secure: secure, weak: weak}
}

// drawer pulls words from the preferred source and switches to the weak one
// for the rest of the sequence the first time the secure source fails.
type drawer struct {
	g        *Generator
	kind     SourceKind
	fellBack bool
}

func (d *drawer) next() (uint32, error) {
	if d.kind == SourceSecure {
		v, err := d.g.secure.Uint32()
		if err == nil {
			return v, nil
		}
		logger.Warningf("secure entropy unavailable, falling back to weak source: %v", err)
		d.kind = SourceWeak
		d.fellBack = true
	}
	return d.g.weak.Uint32()
}

// Generate returns Count() numbers for gameType. Positions that the validator
// requires to be distinct (all of them except the Powerball) are re-drawn on
// collision. A failing secure source silently degrades to the weak one and is
// reported through Generation.FellBack.
func (g *Generator) Generate(ctx context.Context, gameType models.GameType, useSecureRNG bool) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return Generation{}, err
	}
	if !gameType.Valid() {
		return Generation{}, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
	}

	d := &drawer{g: g, kind: SourceWeak}
	if useSecureRNG {
		if g.secure != nil {
			d.kind = SourceSecure
		} else {
			d.fellBack = true
		}
	}

	count := gameType.Count()
	distinct := count
	if gameType == models.GamePowerball {
		distinct = count - 1
	}

	numbers := make([]int, 0, count)
	seen := make(map[int]struct{}, count)
	for len(numbers) < distinct {
		n, err := d.drawDistinct(seen)
		if err != nil {
			return Generation{}, err
		}
		seen[n] = struct{}{}
		numbers = append(numbers, n)
	}
	if gameType == models.GamePowerball {
		raw, err := d.next()
		if err != nil {
			return Generation{}, fmt.Errorf("draw powerball: %w", err)
		}
		numbers = append(numbers, reduce(raw, powerballBound))
	}

	metrics.RecordGeneration(string(gameType), string(d.kind), d.fellBack)
	return Generation{
		Numbers:  numbers,
		Method:   models.RNGAlgorithm,
		Source:   d.kind,
		FellBack: d.fellBack,
	}, nil
}

func (d *drawer) drawDistinct(seen map[int]struct{}) (int, error) {
	for range maxRedraws {
		raw, err := d.next()
		if err != nil {
			return 0, fmt.Errorf("draw number: %w", err)
		}
		n := reduce(raw, regularBound)
		if _, dup := seen[n]; !dup {
			return n, nil
		}
	}
	return 0, ErrRedrawsExhausted
}

func reduce(raw uint32, bound uint32) int {
	return int(raw%bound) + 1
}

// ModuloBias returns how many residues of raw%bound receive one extra
// preimage out of the 2^32 possible words. Those residues (0..n-1, i.e.
// numbers 1..n after the +1 shift) are marginally more likely.
func ModuloBias(bound uint32) int {
	if bound == 0 {
		return 0
	}
	return int((uint64(1) << 32) % uint64(bound))
}
