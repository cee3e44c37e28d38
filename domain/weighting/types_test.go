package weighting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/core"
)

func TestPropensitySetValidate(t *testing.T) {
	ps := &PropensitySet{
		Rule:     StopESMean,
		Subjects: []core.SubjectID{"s1", "s2"},
		Probs: [][]float64{
			{0.25, 0.25, 0.25, 0.25},
			{0.7, 0.1, 0.1, 0.1},
		},
	}
	require.NoError(t, ps.Validate(1e-6, 1e-9))

	ps.Probs[1][0] = 1e-9
	err := ps.Validate(1e-6, 1e-9)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDegeneratePropensity)

	ps.Probs[1] = []float64{0.3, 0.3, 0.3, 0.3}
	err = ps.Validate(1e-6, 1e-9)
	require.Error(t, err, "rows must sum to one")

	ps.Probs = ps.Probs[:1]
	assert.Error(t, ps.Validate(1e-6, 1e-9), "row count must match subjects")
}

func TestWeightSetKeyAndFingerprint(t *testing.T) {
	ws := &WeightSet{
		Estimand: EstimandATE,
		Rule:     StopKSMax,
		Subjects: []core.SubjectID{"s1", "s2"},
		Values:   []float64{0.9, 1.1},
	}
	assert.Equal(t, "ATE/ks.max/raw", ws.Key())

	trunc := *ws
	trunc.Truncated = true
	assert.Equal(t, "ATE/ks.max/trunc99", trunc.Key())

	// The fingerprint tracks the weighting content, not artifact identity
	other := *ws
	other.ID = core.ArtifactID(core.NewID())
	other.RunID = "another_run"
	assert.Equal(t, ws.Fingerprint(), other.Fingerprint())

	changed := *ws
	changed.Values = []float64{1.1, 0.9}
	assert.NotEqual(t, ws.Fingerprint(), changed.Fingerprint())
}

func TestEffectiveSampleSize(t *testing.T) {
	// Equal weights: ESS equals n
	assert.InDelta(t, 4, EffectiveSampleSize([]float64{1, 1, 1, 1}), 1e-12)
	// Concentrated weight: ESS collapses toward 1
	assert.InDelta(t, 1, EffectiveSampleSize([]float64{100, 0.0001, 0.0001}), 0.01)
	assert.Equal(t, 0.0, EffectiveSampleSize(nil))
}

func TestStopRuleAndEstimandValidation(t *testing.T) {
	for _, r := range AllStopRules() {
		assert.NoError(t, r.Validate())
	}
	assert.Error(t, StopRule("es.median").Validate())
	assert.NoError(t, EstimandATE.Validate())
	assert.NoError(t, EstimandATT.Validate())
	assert.Error(t, Estimand("ATO").Validate())
}
