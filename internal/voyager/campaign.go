package voyager

import (
	"time"

	"github.com/dantte-lp/voyager/internal/probe"
	"github.com/dantte-lp/voyager/internal/topo"
)

// Result summarizes one campaign.
type Result struct {
	// Faults and Passed hold sorted rule ids.
	Faults []int
	Passed []int

	// Probes counts probes launched in round 1 and round 2.
	Probes [2]int

	// Round2Rules lists the rules probed individually in round 2.
	Round2Rules []int

	// PrepTime is spent building probes; TestTime runs from the round-1
	// launch to the last classification.
	PrepTime time.Duration
	TestTime time.Duration

	// Late counts reports for probes that were no longer outstanding.
	// LastLate is the arrival of the last one, relative to the round-1 launch.
	Late     int
	LastLate time.Duration

	Unexpected int
	Malformed  int
	Duplicate  int

	// Phase is where the campaign stopped. Partial is set unless it
	// completed normally.
	Phase   Phase
	Partial bool
}

// pendingProbe is a launched probe awaiting a report or its deadline.
type pendingProbe struct {
	probe.Probe

	round    int
	launched time.Time
	timer    *time.Timer
}

// campaign owns all per-campaign mutable state. Only the dispatcher touches it.
type campaign struct {
	phase Phase

	// stoppedIn is the phase an abort interrupted.
	stoppedIn Phase

	round1  []probe.Probe
	singles map[int]probe.Probe

	outstanding map[uint64]*pendingProbe
	queue       topo.RuleSet

	// classified holds the outcome of every probe that left outstanding.
	classified map[uint64]Outcome
	// staleTimers holds probes whose deadline fired after they were claimed;
	// their timeout event is still on its way to the dispatcher.
	staleTimers map[uint64]bool

	passed topo.RuleSet
	faults topo.RuleSet

	probes      [2]int
	round2Rules []int

	prepTime time.Duration
	started  time.Time
	finished time.Time

	late       int
	lastLate   time.Duration
	unexpected int
	malformed  int
	duplicate  int

	result chan Result
}

func newCampaign(start *campaignStart) *campaign {
	c := &campaign{
		phase:    PhaseInstalling,
		round1:   start.round1,
		singles:  start.singles,
		prepTime: start.prepTime,
		result:   start.result,
	}
	c.reset()
	return c
}

// reset stops every armed timer and clears the classification state.
func (c *campaign) reset() {
	for _, p := range c.outstanding {
		p.timer.Stop()
	}
	c.outstanding = make(map[uint64]*pendingProbe)
	c.classified = make(map[uint64]Outcome)
	c.staleTimers = make(map[uint64]bool)
	c.queue = make(topo.RuleSet)
	c.passed = make(topo.RuleSet)
	c.faults = make(topo.RuleSet)
	c.probes = [2]int{}
	c.round2Rules = nil
}

// claim removes id from the outstanding set. Exactly one caller can win the
// claim for a given probe.
func (c *campaign) claim(id uint64) (*pendingProbe, bool) {
	p, ok := c.outstanding[id]
	if !ok {
		return nil, false
	}
	delete(c.outstanding, id)
	return p, true
}

// round2 returns the queued rules that are still unclassified, in id order.
func (c *campaign) round2() []int {
	return c.queue.Minus(c.passed).Minus(c.faults).Sorted()
}

func (c *campaign) snapshot(partial bool) Result {
	end := c.finished
	if end.IsZero() {
		end = time.Now()
	}
	var test time.Duration
	if !c.started.IsZero() {
		test = end.Sub(c.started)
	}
	phase := PhaseDone
	if partial {
		phase = c.stoppedIn
	}
	return Result{
		Faults:      c.faults.Sorted(),
		Passed:      c.passed.Sorted(),
		Probes:      c.probes,
		Round2Rules: c.round2Rules,
		PrepTime:    c.prepTime,
		TestTime:    test,
		Late:        c.late,
		LastLate:    c.lastLate,
		Unexpected:  c.unexpected,
		Malformed:   c.malformed,
		Duplicate:   c.duplicate,
		Phase:       phase,
		Partial:     partial,
	}
}
