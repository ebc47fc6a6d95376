// Package eval runs fault-injection sweeps against the round controller and
// scores each campaign against the injected ground truth.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/voyager/internal/topo"
	"github.com/dantte-lp/voyager/internal/voyager"
)

// ErrNoFractions indicates a sweep with nothing to run.
var ErrNoFractions = errors.New("no fault fractions configured")

// Campaigner runs campaigns. *voyager.Controller implements it.
type Campaigner interface {
	RunCampaign(ctx context.Context, faulty topo.RuleSet) (voyager.Result, error)
	ResetDataplane(ctx context.Context) error
}

// MetricsReporter receives per-fraction scores. The metrics Collector
// implements it.
type MetricsReporter interface {
	SetFaultRates(fraction, fpr, fnr float64)
	IncCampaigns(status string)
}

type noopMetrics struct{}

func (noopMetrics) SetFaultRates(float64, float64, float64) {}
func (noopMetrics) IncCampaigns(string) {}

// Campaign statuses for IncCampaigns.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
)

// Report is the outcome of one fraction of a sweep.
type Report struct {
	Fraction float64
	Rules    int

	Injected []int
	Detected []int
	Score

	Probes   [2]int
	PrepTime time.Duration
	TestTime time.Duration

	Late       int
	LastLate   time.Duration
	Unexpected int
	Malformed  int

	Phase   voyager.Phase
	Partial bool
	Err     error
}

// Summary collects the reports of a sweep in fraction order.
type Summary struct {
	Topology string
	Seed     uint64
	Reports  []Report
}

// Partial reports whether any campaign did not complete.
func (s Summary) Partial() bool {
	for _, r := range s.Reports {
		if r.Partial {
			return true
		}
	}
	return false
}

// -------------------------------------------------------------------------
// Runner
// -------------------------------------------------------------------------

// Runner sweeps fault fractions over one topology.
type Runner struct {
	c     Campaigner
	rules []int
	name  string

	fractions   []float64
	seed        uint64
	stopOnError bool

	metrics MetricsReporter
	logger  *slog.Logger
}

// Option configures optional Runner parameters.
type Option func(*Runner)

// WithFractions sets the fault fractions to sweep, in order.
func WithFractions(fs ...float64) Option {
	return func(r *Runner) { r.fractions = append([]float64(nil), fs...) }
}

// WithSeed sets the sampling seed.
func WithSeed(seed uint64) Option {
	return func(r *Runner) { r.seed = seed }
}

// WithStopOnError ends the sweep at the first failed campaign.
func WithStopOnError(stop bool) Option {
	return func(r *Runner) { r.stopOnError = stop }
}

// WithTopologyName labels the summary.
func WithTopologyName(name string) Option {
	return func(r *Runner) { r.name = name }
}

// WithMetrics sets the MetricsReporter. nil keeps the no-op reporter.
func WithMetrics(mr MetricsReporter) Option {
	return func(r *Runner) {
		if mr != nil {
			r.metrics = mr
		}
	}
}

// NewRunner creates a Runner sampling from the rules of t. The default sweep
// is the fractions 0.0 and 0.1 with seed 1.
func NewRunner(c Campaigner, t *topo.Topology, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		c:         c,
		rules:     t.RuleIDs(),
		fractions: []float64{0.0, 0.1},
		seed:      1,
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "eval.runner")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep runs one campaign per fraction and resets every switch after each.
// A failed campaign is recorded as a partial report; the sweep then moves on
// unless stop-on-error is set. The returned Summary holds every report
// produced, also when err is non-nil.
func (r *Runner) Sweep(ctx context.Context) (Summary, error) {
	sum := Summary{Topology: r.name, Seed: r.seed}
	if len(r.fractions) == 0 {
		return sum, ErrNoFractions
	}

	var errs []error
	for _, frac := range r.fractions {
		rep, err := r.runOne(ctx, frac)
		sum.Reports = append(sum.Reports, rep)

		if rerr := r.c.ResetDataplane(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, fmt.Errorf("reset after fraction %v: %w", frac, rerr))
		}
		if err == nil {
			continue
		}

		errs = append(errs, err)
		switch {
		case ctx.Err() != nil:
			return sum, errors.Join(errs...)
		case r.stopOnError:
			r.logger.Error("sweep stopped", slog.Float64("fraction", frac), slog.String("error", err.Error()))
			return sum, errors.Join(errs...)
		default:
			r.logger.Warn("campaign failed, continuing", slog.Float64("fraction", frac), slog.String("error", err.Error()))
		}
	}
	return sum, errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, frac float64) (Report, error) {
	rep := Report{Fraction: frac, Rules: len(r.rules)}

	injected, err := Sample(r.rules, frac, r.seed)
	if err != nil {
		rep.Partial, rep.Err = true, err
		return rep, err
	}
	rep.Injected = injected.Sorted()

	r.logger.Info("campaign starting",
		slog.Float64("fraction", frac),
		slog.Int("injected", len(injected)),
		slog.Int("rules", len(r.rules)),
	)

	res, err := r.c.RunCampaign(ctx, injected)
	detected := topo.NewRuleSet(res.Faults...)

	rep.Detected = res.Faults
	rep.Score = Evaluate(injected, detected, len(r.rules))
	rep.Probes = res.Probes
	rep.PrepTime = res.PrepTime
	rep.TestTime = res.TestTime
	rep.Late = res.Late
	rep.LastLate = res.LastLate
	rep.Unexpected = res.Unexpected
	rep.Malformed = res.Malformed
	rep.Phase = res.Phase
	rep.Partial = res.Partial || err != nil
	rep.Err = err

	status := StatusComplete
	if rep.Partial {
		status = StatusPartial
	}
	r.metrics.IncCampaigns(status)
	if !rep.Partial {
		r.metrics.SetFaultRates(frac, rep.FPR, rep.FNR)
	}

	r.logger.Info("campaign scored",
		slog.Float64("fraction", frac),
		slog.Int("false_positives", len(rep.FalsePositives)),
		slog.Int("false_negatives", len(rep.FalseNegatives)),
		slog.Float64("fpr", rep.FPR),
		slog.Float64("fnr", rep.FNR),
		slog.Int("round1_probes", rep.Probes[0]),
		slog.Int("round2_probes", rep.Probes[1]),
		slog.Duration("prep_time", rep.PrepTime),
		slog.Duration("test_time", rep.TestTime),
		slog.Int("late", rep.Late),
		slog.String("status", status),
	)

	if err != nil {
		return rep, fmt.Errorf("fraction %v: %w", frac, err)
	}
	return rep, nil
}
