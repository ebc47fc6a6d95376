package eval

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/dantte-lp/voyager/internal/topo"
)

// ErrInvalidFraction indicates a fault fraction outside [0, 1].
var ErrInvalidFraction = errors.New("fault fraction out of range")

// Sample picks floor(fraction * len(ids)) rule ids. The choice depends only
// on the set of ids, fraction and seed, never on the order of ids.
func Sample(ids []int, fraction float64, seed uint64) (topo.RuleSet, error) {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("fraction %v: %w", fraction, ErrInvalidFraction)
	}

	pool := slices.Sorted(slices.Values(ids))
	pool = slices.Compact(pool)
	n := int(math.Floor(fraction * float64(len(pool))))

	rng := rand.New(rand.NewPCG(seed, math.Float64bits(fraction))) //nolint:gosec // G404: reproducible fault injection, not security
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	return topo.NewRuleSet(pool[:n]...), nil
}

// Score compares detected faults against the injected ones. total is the
// number of rules in the campaign.
type Score struct {
	FalsePositives []int
	FalseNegatives []int
	FPR            float64
	FNR            float64
}

// Evaluate computes FP = detected - injected, FN = injected - detected,
// FPR = |FP| / (total - |injected|) and FNR = |FN| / |injected|. A rate with
// a zero denominator is 0.
func Evaluate(injected, detected topo.RuleSet, total int) Score {
	fp := detected.Minus(injected).Sorted()
	fn := injected.Minus(detected).Sorted()
	return Score{
		FalsePositives: fp,
		FalseNegatives: fn,
		FPR:            rate(len(fp), total-len(injected)),
		FNR:            rate(len(fn), len(injected)),
	}
}

func rate(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}
