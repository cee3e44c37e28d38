package survey

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/core"
	"gocohort/domain/weighting"
)

func testWeightSet(n int, seed int64) *weighting.WeightSet {
	rng := rand.New(rand.NewSource(seed))
	subjects := make([]core.SubjectID, n)
	values := make([]float64, n)
	sum := 0.0
	for i := range values {
		subjects[i] = core.SubjectID(core.NewID())
		values[i] = 0.2 + rng.Float64()
		sum += values[i]
	}
	for i := range values {
		values[i] *= float64(n) / sum
	}
	return &weighting.WeightSet{
		ID:       core.ArtifactID(core.NewID()),
		RunID:    "run_1",
		Estimand: weighting.EstimandATE,
		Rule:     weighting.StopESMean,
		Subjects: subjects,
		Values:   values,
	}
}

func TestNewDesign_ReplicatesRescaledToMeanOne(t *testing.T) {
	ws := testWeightSet(150, 4)
	d, err := NewDesign(context.Background(), ws, 50, 4)
	require.NoError(t, err)

	assert.Equal(t, 150, d.Size())
	require.Len(t, d.Replicates, 50)
	for r, rep := range d.Replicates {
		require.Len(t, rep, 150)
		mean := 0.0
		for _, w := range rep {
			assert.GreaterOrEqual(t, w, 0.0)
			mean += w
		}
		mean /= float64(len(rep))
		assert.InDelta(t, 1.0, mean, 1e-9, "replicate %d", r)
	}
}

func TestNewDesign_Deterministic(t *testing.T) {
	ws := testWeightSet(100, 9)
	d1, err := NewDesign(context.Background(), ws, 30, 9)
	require.NoError(t, err)
	d2, err := NewDesign(context.Background(), ws, 30, 9)
	require.NoError(t, err)

	assert.Equal(t, d1.Replicates, d2.Replicates)
}

func TestNewDesign_ReplicatesDiffer(t *testing.T) {
	ws := testWeightSet(100, 2)
	d, err := NewDesign(context.Background(), ws, 10, 2)
	require.NoError(t, err)

	assert.NotEqual(t, d.Replicates[0], d.Replicates[1],
		"distinct replicates should resample differently")
}

func TestNewDesign_RejectsBadInput(t *testing.T) {
	ws := testWeightSet(50, 1)
	_, err := NewDesign(context.Background(), ws, 0, 1)
	assert.Error(t, err)

	empty := &weighting.WeightSet{Estimand: weighting.EstimandATE, Rule: weighting.StopESMean}
	_, err = NewDesign(context.Background(), empty, 10, 1)
	assert.Error(t, err)
}
