package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFairnessCheck_PerfectlyUniform(t *testing.T) {
	var samples []int
	for round := 0; round < 10; round++ {
		for n := 1; n <= 20; n++ {
			samples = append(samples, n)
		}
	}

	report, err := FairnessCheck(samples, 1, 20)

	require.NoError(t, err)
	assert.Equal(t, 0.0, report.ChiSquare)
	assert.Equal(t, 19, report.DegreesOfFreedom)
	assert.InDelta(t, 1.0, report.PValue, 1e-9)
	assert.True(t, report.Uniform(0.01))
}

func TestFairnessCheck_Skewed(t *testing.T) {
	samples := make([]int, 200)
	for i := range samples {
		samples[i] = 1
	}

	report, err := FairnessCheck(samples, 1, 20)

	require.NoError(t, err)
	assert.False(t, report.Uniform(0.01))
}

func TestFairnessCheck_Errors(t *testing.T) {
	_, err := FairnessCheck([]int{1, 2, 3}, 1, 20)
	assert.ErrorIs(t, err, ErrNotEnoughSamples)

	_, err = FairnessCheck(nil, 5, 5)
	assert.Error(t, err)

	samples := make([]int, 100)
	samples[0] = 21
	_, err = FairnessCheck(samples, 1, 20)
	assert.Error(t, err)
}

func TestFairnessCheck_WeakSourceLooksUniform(t *testing.T) {
	src := NewPCGSource(42, 1042)
	samples := make([]int, 99*200)
	for i := range samples {
		v, err := src.Uint32()
		require.NoError(t, err)
		samples[i] = reduce(v, regularBound)
	}

	report, err := FairnessCheck(samples, 1, 99)

	require.NoError(t, err)
	assert.True(t, report.Uniform(1e-4), "p=%v", report.PValue)
}
