package voyager

import (
	"context"
	"fmt"
	"time"

	"github.com/dantte-lp/voyager/internal/probe"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
)

// Round1Paths returns the paths probed in round 1: every precomputed path
// in file order, then a single-rule path for each rule no precomputed path
// covers.
func Round1Paths(t *topo.Topology, s *store.Store) []store.RulePath {
	precomputed := s.Paths()
	covered := s.Covered()

	paths := make([]store.RulePath, 0, len(precomputed))
	for _, ph := range precomputed {
		paths = append(paths, ph.Path)
	}
	for _, rid := range t.RuleIDs() {
		if _, ok := covered[rid]; !ok {
			paths = append(paths, store.RulePath{rid})
		}
	}
	return paths
}

// RunCampaign runs one campaign with the rules in faulty withheld from
// installation. It waits for every switch to connect, installs, settles,
// builds every probe and hands them to the dispatcher, then blocks until the
// campaign finishes.
//
// Only one campaign runs at a time: a call made while another is in progress
// returns ErrCampaignRunning before touching the dataplane.
//
// On failure the returned Result is still meaningful and has Partial set.
func (c *Controller) RunCampaign(ctx context.Context, faulty topo.RuleSet) (Result, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Result{Phase: PhaseIdle, Partial: true}, ErrCampaignRunning
	}
	defer c.busy.Store(false)

	select {
	case <-c.ready:
	case <-ctx.Done():
		return Result{Phase: PhaseIdle, Partial: true}, fmt.Errorf("wait for switches: %w", ctx.Err())
	case <-c.done:
		return Result{Phase: PhaseIdle, Partial: true}, ErrStopped
	}

	if err := c.installer.InstallAll(ctx, faulty); err != nil {
		return Result{Phase: PhaseInstalling, Partial: true}, fmt.Errorf("campaign: %w", err)
	}
	if err := sleepCtx(ctx, c.settle); err != nil {
		return Result{Phase: PhaseInstalling, Partial: true}, fmt.Errorf("campaign: %w", err)
	}

	begin := time.Now()
	start, err := c.prepare()
	if err != nil {
		return Result{Phase: PhaseInstalling, Partial: true}, fmt.Errorf("campaign: %w", err)
	}
	start.prepTime = time.Since(begin)

	c.post(event{kind: evStart, start: start})
	select {
	case err := <-start.accepted:
		if err != nil {
			return Result{Phase: PhaseIdle, Partial: true}, err
		}
	case <-c.done:
		return Result{Phase: PhaseInstalling, Partial: true}, ErrStopped
	}

	select {
	case res := <-start.result:
		return res, nil
	case <-ctx.Done():
		c.post(event{kind: evAbort, start: start})
		select {
		case res := <-start.result:
			return res, fmt.Errorf("campaign: %w", ctx.Err())
		case <-c.done:
			return c.drainResult(start), fmt.Errorf("campaign: %w", ctx.Err())
		}
	case <-c.done:
		return c.drainResult(start), ErrStopped
	}
}

// drainResult picks up the partial result Run hands back on shutdown.
func (c *Controller) drainResult(start *campaignStart) Result {
	select {
	case res := <-start.result:
		return res
	default:
		return Result{Phase: PhaseRound1, Partial: true}
	}
}

// prepare builds the round-1 probes and a single-rule probe for every rule.
// Probe ids come from the controller-wide counter and are never reused.
func (c *Controller) prepare() (*campaignStart, error) {
	start := &campaignStart{
		singles:  make(map[int]probe.Probe, c.topo.NumRules()),
		accepted: make(chan error, 1),
		result:   make(chan Result, 1),
	}

	for _, path := range Round1Paths(c.topo, c.store) {
		p, err := c.syn.Build(path, c.allocID())
		if err != nil {
			return nil, err
		}
		start.round1 = append(start.round1, p)
	}
	for _, rid := range c.topo.RuleIDs() {
		p, err := c.syn.Build(store.RulePath{rid}, c.allocID())
		if err != nil {
			return nil, err
		}
		start.singles[rid] = p
	}
	return start, nil
}

func (c *Controller) allocID() uint64 {
	return c.nextID.Add(1) - 1
}

// ResetDataplane deletes every entry on every switch.
func (c *Controller) ResetDataplane(ctx context.Context) error {
	return c.installer.ResetAll(ctx)
}

// Topology returns the topology the controller probes.
func (c *Controller) Topology() *topo.Topology { return c.topo }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
