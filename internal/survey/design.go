package survey

import (
	"context"
	"math/rand"
	"runtime"

	"golang.org/x/sync/semaphore"

	"gocohort/domain/core"
	"gocohort/domain/weighting"
	"gocohort/internal/errors"
)

// Design is a survey design: each subject's analysis weight plus bootstrap
// replicate weights for variance estimation. Replicates resample subjects
// with replacement and multiply base weights by the draw multiplicity, which
// carries the weighting-induced correlation into every replicate statistic.
type Design struct {
	Subjects  []core.SubjectID
	Weights   []float64
	WeightKey string
	// Replicates[r][i] is subject i's weight in replicate r, rescaled to
	// mean 1 like the analysis weights
	Replicates [][]float64
}

// NewDesign builds a design with the requested number of bootstrap
// replicates. Replicate r draws from an RNG seeded with seed+r, so the
// design is reproducible independent of scheduling.
func NewDesign(ctx context.Context, ws *weighting.WeightSet, replicates int, seed int64) (*Design, error) {
	if replicates <= 0 {
		return nil, errors.ConfigInvalid("replicate count must be positive")
	}
	n := len(ws.Values)
	if n == 0 {
		return nil, errors.ValidationError("weight set is empty")
	}

	d := &Design{
		Subjects:   append([]core.SubjectID(nil), ws.Subjects...),
		Weights:    append([]float64(nil), ws.Values...),
		WeightKey:  ws.Key(),
		Replicates: make([][]float64, replicates),
	}

	sem := semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	for r := 0; r < replicates; r++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, "replicate construction cancelled")
		}
		go func(r int) {
			defer sem.Release(1)
			d.Replicates[r] = replicateWeights(ws.Values, seed+int64(r)+1)
		}(r)
	}
	// Drain: acquiring the full capacity waits for all workers
	if err := sem.Acquire(ctx, int64(runtime.GOMAXPROCS(0))); err != nil {
		return nil, errors.Wrap(err, "replicate construction cancelled")
	}
	return d, nil
}

// replicateWeights draws one bootstrap resample and returns the rescaled
// replicate weight vector
func replicateWeights(base []float64, seed int64) []float64 {
	n := len(base)
	rng := rand.New(rand.NewSource(seed))
	counts := make([]float64, n)
	for draw := 0; draw < n; draw++ {
		counts[rng.Intn(n)]++
	}
	rep := make([]float64, n)
	sum := 0.0
	for i := range rep {
		rep[i] = base[i] * counts[i]
		sum += rep[i]
	}
	if sum > 0 {
		mean := sum / float64(n)
		for i := range rep {
			rep[i] /= mean
		}
	}
	return rep
}

// Size returns the number of subjects in the design
func (d *Design) Size() int {
	return len(d.Weights)
}
