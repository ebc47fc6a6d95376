package voyager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/probe"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrUnexpectedReporter indicates a probe reported by a switch other than
	// the one its path ends at. The probe stays pending.
	ErrUnexpectedReporter = errors.New("report from unexpected switch")

	// ErrLateProbe indicates a report for a probe that is no longer
	// outstanding. It never changes a classification.
	ErrLateProbe = errors.New("late probe report")

	// ErrDuplicateClassification indicates a probe resolved twice. It means
	// the claim discipline was broken.
	ErrDuplicateClassification = errors.New("probe classified twice")

	// ErrCampaignRunning indicates a campaign start while another runs.
	ErrCampaignRunning = errors.New("campaign already running")

	// ErrStopped indicates the dispatcher is no longer running.
	ErrStopped = errors.New("controller stopped")
)

// Default deadlines.
const (
	DefaultTimeout       = 2 * time.Second
	DefaultNegativeGrace = 500 * time.Millisecond
	DefaultSettle        = time.Second
)

// FirstProbeID is the id of the first probe the controller builds.
const FirstProbeID uint64 = 1000

// eventChSize buffers bursts of packet-ins and timer expiries.
const eventChSize = 256

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives controller events. The metrics Collector
// implements it.
type MetricsReporter interface {
	IncProbesLaunched(round int)
	IncProbeOutcome(round int, outcome string)
	IncLateReports()
	IncUnexpectedReports()
	IncMalformedReports()
	IncDuplicateClassifications()
	ObserveCampaign(phase string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncProbesLaunched(int) {}
func (noopMetrics) IncProbeOutcome(int, string) {}
func (noopMetrics) IncLateReports() {}
func (noopMetrics) IncUnexpectedReports() {}
func (noopMetrics) IncMalformedReports() {}
func (noopMetrics) IncDuplicateClassifications() {}
func (noopMetrics) ObserveCampaign(string, time.Duration) {}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

type eventKind uint8

const (
	evConnect eventKind = iota
	evPacketIn
	evTimeout
	evStart
	evAbort
)

type event struct {
	kind  eventKind
	dpid  uint64
	id    uint64
	data  []byte
	start *campaignStart
}

// campaignStart carries prepared probes into the dispatcher.
type campaignStart struct {
	round1   []probe.Probe
	singles  map[int]probe.Probe
	prepTime time.Duration
	accepted chan error
	result   chan Result
}

// -------------------------------------------------------------------------
// Controller
// -------------------------------------------------------------------------

// Controller runs fault-localization campaigns. All campaign state is owned
// by the dispatcher goroutine started with Run; the exported methods only
// post events to it.
type Controller struct {
	topo      *topo.Topology
	store     *store.Store
	dp        flow.Dataplane
	installer *flow.Installer
	syn       *probe.Synthesizer

	timeout       time.Duration
	negativeGrace time.Duration
	settle        time.Duration
	marker        flow.Marker

	metrics     MetricsReporter
	flowMetrics flow.MetricsReporter

	events chan event
	done   chan struct{}
	ready  chan struct{}

	nextID atomic.Uint64
	// busy is held by RunCampaign from installation until the result is back.
	busy atomic.Bool

	// dispatcher-owned
	connected map[uint64]bool
	isReady   bool
	camp      *campaign

	injectors sync.WaitGroup

	logger *slog.Logger
}

// Option configures optional Controller parameters.
type Option func(*Controller)

// WithTimeout sets the deadline of positive probes.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithNegativeGrace sets how long a negative probe must stay unreported to pass.
func WithNegativeGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.negativeGrace = d
		}
	}
}

// WithSettle sets the pause between rule installation and the round-1 launch.
func WithSettle(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.settle = d
		}
	}
}

// WithMarker selects the packet field carrying the report header.
func WithMarker(m flow.Marker) Option {
	return func(c *Controller) { c.marker = m }
}

// WithMetrics sets the MetricsReporter. nil keeps the no-op reporter.
func WithMetrics(mr MetricsReporter) Option {
	return func(c *Controller) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// WithFlowMetrics sets the reporter handed to the flow installer.
func WithFlowMetrics(mr flow.MetricsReporter) Option {
	return func(c *Controller) { c.flowMetrics = mr }
}

// New creates a Controller for t and s driving dp. Call Run to start it.
func New(
	t *topo.Topology,
	s *store.Store,
	dp flow.Dataplane,
	logger *slog.Logger,
	opts ...Option,
) (*Controller, error) {
	c := &Controller{
		topo:          t,
		store:         s,
		dp:            dp,
		timeout:       DefaultTimeout,
		negativeGrace: DefaultNegativeGrace,
		settle:        DefaultSettle,
		metrics:       noopMetrics{},
		events:        make(chan event, eventChSize),
		done:          make(chan struct{}),
		ready:         make(chan struct{}),
		connected:     make(map[uint64]bool, t.NumSwitches()),
		logger:        logger.With(slog.String("component", "voyager.controller")),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nextID.Store(FirstProbeID)

	installer, err := flow.NewInstaller(dp, t, s, c.marker, logger,
		flow.WithInstallerMetrics(c.flowMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	c.installer = installer
	c.syn = probe.NewSynthesizer(t, s, c.marker)
	return c, nil
}

// -------------------------------------------------------------------------
// Event entry points
// -------------------------------------------------------------------------

// SwitchConnected records the connection handshake of dpid.
func (c *Controller) SwitchConnected(dpid uint64) {
	c.post(event{kind: evConnect, dpid: dpid})
}

// PacketIn delivers a packet a switch sent to the controller.
func (c *Controller) PacketIn(dpid uint64, data []byte) {
	c.post(event{kind: evPacketIn, dpid: dpid, data: data})
}

// Ready is closed once every switch of the topology has connected.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// post hands ev to the dispatcher. It drops ev once Run has returned.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// Run is the dispatcher loop. It returns when ctx is cancelled, after
// stopping every timer and waiting for in-flight injections.
func (c *Controller) Run(ctx context.Context) error {
	defer c.injectors.Wait()
	defer close(c.done)

	c.logger.Info("controller started",
		slog.Int("switches", c.topo.NumSwitches()),
		slog.Int("rules", c.topo.NumRules()),
		slog.Duration("timeout", c.timeout),
		slog.String("marker", c.marker.String()),
	)

	for {
		select {
		case <-ctx.Done():
			c.abort("controller stopped")
			c.logger.Info("controller stopped")
			return nil

		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnect:
		c.handleConnect(ev.dpid)
	case evPacketIn:
		c.handlePacketIn(ctx, ev.dpid, ev.data)
	case evTimeout:
		c.handleTimeout(ctx, ev.id)
	case evStart:
		c.handleStart(ctx, ev.start)
	case evAbort:
		if c.camp != nil && c.camp.result == ev.start.result {
			c.abort("campaign cancelled")
		}
	}
}

func (c *Controller) handleConnect(dpid uint64) {
	if _, ok := c.topo.Switch(dpid); !ok {
		c.logger.Warn("connect from unknown switch", slog.Uint64("dpid", dpid))
		return
	}
	if c.isReady {
		c.logger.Debug("repeat connection ignored", slog.Uint64("dpid", dpid))
		return
	}
	c.connected[dpid] = true
	if len(c.connected) < c.topo.NumSwitches() {
		return
	}
	c.isReady = true
	close(c.ready)
	c.logger.Info("switches ready", slog.Int("switches", len(c.connected)))
}

func (c *Controller) handleStart(ctx context.Context, start *campaignStart) {
	if c.camp != nil {
		start.accepted <- ErrCampaignRunning
		return
	}
	start.accepted <- nil

	c.camp = newCampaign(start)
	c.transition(PhaseEventInstalled)
	c.camp.started = time.Now()
	c.launch(ctx, 1, c.camp.round1)
	c.maybeAdvance(ctx)
}

// launch arms a deadline for every probe, then injects them from a helper
// goroutine so the dispatcher never waits on the dataplane.
func (c *Controller) launch(ctx context.Context, round int, probes []probe.Probe) {
	camp := c.camp
	c.logger.Info("round started", slog.Int("round", round), slog.Int("probes", len(probes)))

	now := time.Now()
	for _, p := range probes {
		deadline := c.timeout
		if p.Negative {
			deadline = c.negativeGrace
		}
		id := p.ID
		camp.outstanding[id] = &pendingProbe{
			Probe:    p,
			round:    round,
			launched: now,
			timer: time.AfterFunc(deadline, func() {
				c.post(event{kind: evTimeout, id: id})
			}),
		}
		camp.probes[round-1]++
		c.metrics.IncProbesLaunched(round)
	}

	if len(probes) == 0 {
		return
	}
	c.injectors.Go(func() {
		for _, p := range probes {
			if err := c.dp.InjectPacket(ctx, p.Switch, p.InPort, p.Data); err != nil {
				c.logger.Warn("probe injection failed",
					slog.Uint64("probe_id", p.ID),
					slog.Uint64("dpid", p.Switch),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

func (c *Controller) handlePacketIn(ctx context.Context, dpid uint64, data []byte) {
	id, err := probe.DecodeTag(data)
	if err != nil {
		c.metrics.IncMalformedReports()
		if c.camp != nil {
			c.camp.malformed++
		}
		c.logger.Warn("report dropped",
			slog.Uint64("dpid", dpid),
			slog.String("error", err.Error()),
		)
		return
	}

	camp := c.camp
	if camp == nil || !camp.phase.Running() {
		c.recordLate(id, dpid)
		return
	}
	p, ok := camp.outstanding[id]
	if !ok {
		c.recordLate(id, dpid)
		return
	}

	switch {
	case p.Negative:
		c.resolve(ctx, id, OutcomeFailed, "report on negative path")
	case dpid != p.Expected:
		camp.unexpected++
		c.metrics.IncUnexpectedReports()
		c.logger.Warn("report left pending",
			slog.Uint64("probe_id", id),
			slog.Uint64("dpid", dpid),
			slog.Uint64("expected", p.Expected),
			slog.String("path", p.Path.String()),
			slog.String("error", ErrUnexpectedReporter.Error()),
		)
	default:
		c.resolve(ctx, id, OutcomePassed, "reported")
	}
}

func (c *Controller) recordLate(id, dpid uint64) {
	c.metrics.IncLateReports()
	attrs := []any{
		slog.Uint64("probe_id", id),
		slog.Uint64("dpid", dpid),
	}
	if c.camp != nil {
		c.camp.late++
		c.camp.lastLate = time.Since(c.camp.started)
		attrs = append(attrs, slog.Duration("since_launch", c.camp.lastLate))
	}
	c.logger.Debug(ErrLateProbe.Error(), attrs...)
}

func (c *Controller) handleTimeout(ctx context.Context, id uint64) {
	camp := c.camp
	if camp == nil {
		return
	}
	p, ok := camp.outstanding[id]
	if !ok {
		c.checkClassified(camp, id)
		return
	}
	if p.Negative {
		c.resolve(ctx, id, OutcomePassed, "no report on negative path")
	} else {
		c.resolve(ctx, id, OutcomeFailed, "timeout")
	}
	delete(camp.staleTimers, id)
}

// checkClassified handles a deadline for a probe that is no longer
// outstanding. The one timeout that raced a report is expected; any other
// deadline for a classified probe is a second classification.
func (c *Controller) checkClassified(camp *campaign, id uint64) {
	if camp.staleTimers[id] {
		delete(camp.staleTimers, id)
		return
	}
	first, ok := camp.classified[id]
	if !ok {
		return
	}
	camp.duplicate++
	c.metrics.IncDuplicateClassifications()
	c.logger.Error("probe resolved twice",
		slog.Uint64("probe_id", id),
		slog.String("first", first.String()),
		slog.String("second", "timeout"),
		slog.String("error", ErrDuplicateClassification.Error()),
	)
}

// resolve claims id and applies outcome. The claim is the only way a probe
// leaves the outstanding set.
func (c *Controller) resolve(ctx context.Context, id uint64, outcome Outcome, reason string) {
	camp := c.camp
	p, ok := camp.claim(id)
	if !ok {
		return
	}
	if !p.timer.Stop() {
		camp.staleTimers[id] = true
	}
	camp.classified[id] = outcome
	c.metrics.IncProbeOutcome(p.round, outcome.String())

	c.logger.Debug("probe classified",
		slog.Uint64("probe_id", id),
		slog.String("path", p.Path.String()),
		slog.Int("round", p.round),
		slog.String("outcome", outcome.String()),
		slog.String("reason", reason),
		slog.Duration("elapsed", time.Since(p.launched)),
	)

	switch {
	case outcome == OutcomePassed:
		camp.passed.Add(p.Path...)
	case p.Path.Single():
		camp.faults.Add(p.Path.First())
	default:
		for _, rid := range p.Path {
			if !camp.passed.Has(rid) && !camp.faults.Has(rid) {
				camp.queue.Add(rid)
			}
		}
	}

	c.maybeAdvance(ctx)
}

// maybeAdvance moves to the next round or finishes once nothing is
// outstanding.
func (c *Controller) maybeAdvance(ctx context.Context) {
	camp := c.camp
	if len(camp.outstanding) > 0 {
		return
	}

	if camp.phase == PhaseRound1 {
		if rules := camp.round2(); len(rules) > 0 {
			c.transition(PhaseEventEscalate)
			camp.round2Rules = rules
			probes := make([]probe.Probe, 0, len(rules))
			for _, rid := range rules {
				probes = append(probes, camp.singles[rid])
			}
			c.launch(ctx, 2, probes)
			return
		}
	}

	c.transition(PhaseEventDrained)
	c.finish(false)
}

// abort stops the running campaign and hands back a partial result.
func (c *Controller) abort(reason string) {
	camp := c.camp
	if camp == nil {
		return
	}
	c.logger.Warn("campaign aborted",
		slog.String("reason", reason),
		slog.String("phase", camp.phase.String()),
		slog.Int("outstanding", len(camp.outstanding)),
	)
	camp.stoppedIn = camp.phase
	c.transition(PhaseEventAbort)
	c.finish(true)
}

func (c *Controller) finish(partial bool) {
	camp := c.camp
	camp.finished = time.Now()
	res := camp.snapshot(partial)
	camp.reset()
	c.camp = nil

	c.metrics.ObserveCampaign("prepare", res.PrepTime)
	c.metrics.ObserveCampaign("test", res.TestTime)
	c.logger.Info("campaign finished",
		slog.Int("faults", len(res.Faults)),
		slog.Int("passed", len(res.Passed)),
		slog.Int("round1_probes", res.Probes[0]),
		slog.Int("round2_probes", res.Probes[1]),
		slog.Duration("test_time", res.TestTime),
		slog.Bool("partial", partial),
	)

	camp.phase, _ = ApplyPhaseEvent(camp.phase, PhaseEventReported)
	camp.result <- res
}

func (c *Controller) transition(e PhaseEvent) {
	camp := c.camp
	next, ok := ApplyPhaseEvent(camp.phase, e)
	if !ok {
		c.logger.Error("illegal campaign transition",
			slog.String("phase", camp.phase.String()),
			slog.Int("event", int(e)),
		)
		return
	}
	c.logger.Debug("campaign phase",
		slog.String("from", camp.phase.String()),
		slog.String("to", next.String()),
	)
	camp.phase = next
}
