package rng

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// FairnessReport is a chi-square goodness-of-fit test of a batch of numbers
// against the uniform distribution over [Low, High].
type FairnessReport struct {
	Low              int     `json:"low"`
	High             int     `json:"high"`
	Samples          int     `json:"samples"`
	ChiSquare        float64 `json:"chiSquare"`
	DegreesOfFreedom int     `json:"degreesOfFreedom"`
	PValue           float64 `json:"pValue"`
}

// Uniform reports whether the test fails to reject uniformity at level alpha.
func (r FairnessReport) Uniform(alpha float64) bool {
	return r.PValue >= alpha
}

var ErrNotEnoughSamples = errors.New("not enough samples for a fairness check")

// FairnessCheck bins samples over [lo, hi] and computes the chi-square
// statistic and its p-value. Every bin needs an expected count of at least 5.
func FairnessCheck(samples []int, lo, hi int) (FairnessReport, error) {
	if hi <= lo {
		return FairnessReport{}, fmt.Errorf("invalid range [%d, %d]", lo, hi)
	}
	bins := hi - lo + 1
	if len(samples) < 5*bins {
		return FairnessReport{}, fmt.Errorf("%w: need %d, got %d", ErrNotEnoughSamples, 5*bins, len(samples))
	}

	observed := make([]float64, bins)
	for _, s := range samples {
		if s < lo || s > hi {
			return FairnessReport{}, fmt.Errorf("sample %d outside [%d, %d]", s, lo, hi)
		}
		observed[s-lo]++
	}
	expected := make([]float64, bins)
	for i := range expected {
		expected[i] = float64(len(samples)) / float64(bins)
	}

	chi := stat.ChiSquare(observed, expected)
	df := bins - 1
	return FairnessReport{
		Low:              lo,
		High:             hi,
		Samples:          len(samples),
		ChiSquare:        chi,
		DegreesOfFreedom: df,
		PValue:           distuv.ChiSquared{K: float64(df)}.Survival(chi),
	}, nil
}
