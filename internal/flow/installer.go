package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrInstallFailure indicates the dataplane rejected a flow push. It is
	// fatal to the campaign in progress.
	ErrInstallFailure = errors.New("flow install failure")

	// ErrMarkerTooWide indicates the store's mask length does not fit the
	// selected marker field.
	ErrMarkerTooWide = errors.New("report mask wider than marker field")
)

// ReportPriority is the priority of every report rule. It is above any
// forwarding rule priority the rule table can carry.
const ReportPriority uint16 = math.MaxUint16

// PortController is the reserved output port that sends a packet to the
// controller (OFPP_CONTROLLER).
const PortController uint32 = 0xfffffffd

// Entry is a forwarding flow entry: match -> output port.
type Entry struct {
	RuleID   int
	Priority uint16
	Match    Match
	OutPort  uint32
}

// Dataplane is the switch control surface the installer and the controller
// drive. Implementations must be safe for concurrent use across switches.
type Dataplane interface {
	// InstallRule pushes a forwarding entry.
	InstallRule(ctx context.Context, dpid uint64, e Entry) error

	// InstallReportRule pushes an entry that sends matching packets to the
	// controller.
	InstallReportRule(ctx context.Context, dpid uint64, priority uint16, m Match) error

	// ResetAllRules deletes every entry on the switch.
	ResetAllRules(ctx context.Context, dpid uint64) error

	// InjectPacket submits data to the switch's table pipeline as if it had
	// arrived on inPort.
	InjectPacket(ctx context.Context, dpid uint64, inPort uint32, data []byte) error
}

// MetricsReporter receives installer events. The metrics Collector
// implements it.
type MetricsReporter interface {
	IncFlowsInstalled(kind string)
	IncInstallFailures()
	IncResets()
}

type noopMetrics struct{}

func (noopMetrics) IncFlowsInstalled(string) {}
func (noopMetrics) IncInstallFailures() {}
func (noopMetrics) IncResets() {}

// Flow kinds for IncFlowsInstalled.
const (
	KindForward = "forward"
	KindReport  = "report"
)

// -------------------------------------------------------------------------
// Installer
// -------------------------------------------------------------------------

// Installer pushes the rule table and report rules of a topology.
type Installer struct {
	dp      Dataplane
	topo    *topo.Topology
	marker  Marker
	reports map[uint64]Match
	metrics MetricsReporter
	logger  *slog.Logger
}

// InstallerOption configures optional Installer parameters.
type InstallerOption func(*Installer)

// WithInstallerMetrics sets the MetricsReporter. nil keeps the no-op reporter.
func WithInstallerMetrics(mr MetricsReporter) InstallerOption {
	return func(in *Installer) {
		if mr != nil {
			in.metrics = mr
		}
	}
}

// NewInstaller precomputes the report match of every switch. It fails when
// the store's mask does not fit the marker field.
func NewInstaller(
	dp Dataplane,
	t *topo.Topology,
	s *store.Store,
	marker Marker,
	logger *slog.Logger,
	opts ...InstallerOption,
) (*Installer, error) {
	if s.MaskLen() > marker.Width() {
		return nil, fmt.Errorf("mask length %d, %s marker holds %d bits: %w",
			s.MaskLen(), marker, marker.Width(), ErrMarkerTooWide)
	}

	in := &Installer{
		dp:      dp,
		topo:    t,
		marker:  marker,
		reports: make(map[uint64]Match, t.NumSwitches()),
		metrics: noopMetrics{},
		logger:  logger.With(slog.String("component", "flow.installer")),
	}
	for _, opt := range opts {
		opt(in)
	}

	for _, sw := range t.Switches() {
		m, err := ReportMatch(s, sw.DPID, marker)
		if err != nil {
			return nil, err
		}
		in.reports[sw.DPID] = m
	}
	return in, nil
}

// ReportMatch builds the report rule match of dpid.
func ReportMatch(s *store.Store, dpid uint64, marker Marker) (Match, error) {
	value, mask, ok := s.ReportBits(dpid)
	if !ok {
		return Match{}, fmt.Errorf("switch %d: no report assignment: %w", dpid, store.ErrMalformedHeaderStore)
	}
	ma, err := MaskedFromBits(value, mask, marker == MarkerCustom)
	if err != nil {
		return Match{}, fmt.Errorf("switch %d report header: %w", dpid, err)
	}

	m := NewMatch().WithEthType(EthTypeIPv4)
	if marker == MarkerCustom {
		return m.WithIPProto(IPProtoMarker).WithMarker(ma), nil
	}
	return m.WithIPv4Src(ma), nil
}

// ForwardEntry converts a rule to its flow entry.
func ForwardEntry(r *topo.Rule) Entry {
	return Entry{
		RuleID:   r.ID,
		Priority: r.Priority,
		Match: NewMatch().
			WithInPort(r.InPort).
			WithEthType(EthTypeIPv4).
			WithIPv4Dst(r.Prefix),
		OutPort: r.OutPort,
	}
}

// Install pushes every rule of dpid except those in faulty, then the report
// rule.
func (in *Installer) Install(ctx context.Context, dpid uint64, faulty topo.RuleSet) error {
	report, ok := in.reports[dpid]
	if !ok {
		return fmt.Errorf("install switch %d: unknown switch: %w", dpid, ErrInstallFailure)
	}

	installed, skipped := 0, 0
	for _, r := range in.topo.RulesOf(dpid) {
		if faulty.Has(r.ID) {
			skipped++
			continue
		}
		if err := in.dp.InstallRule(ctx, dpid, ForwardEntry(r)); err != nil {
			in.metrics.IncInstallFailures()
			return fmt.Errorf("install rule %d on switch %d: %w: %w", r.ID, dpid, ErrInstallFailure, err)
		}
		in.metrics.IncFlowsInstalled(KindForward)
		installed++
	}

	if err := in.dp.InstallReportRule(ctx, dpid, ReportPriority, report); err != nil {
		in.metrics.IncInstallFailures()
		return fmt.Errorf("install report rule on switch %d: %w: %w", dpid, ErrInstallFailure, err)
	}
	in.metrics.IncFlowsInstalled(KindReport)

	in.logger.Debug("switch installed",
		slog.Uint64("dpid", dpid),
		slog.Int("rules", installed),
		slog.Int("withheld", skipped),
	)
	return nil
}

// Reset deletes every entry on dpid.
func (in *Installer) Reset(ctx context.Context, dpid uint64) error {
	if err := in.dp.ResetAllRules(ctx, dpid); err != nil {
		in.metrics.IncInstallFailures()
		return fmt.Errorf("reset switch %d: %w: %w", dpid, ErrInstallFailure, err)
	}
	in.metrics.IncResets()
	return nil
}

// InstallAll installs every switch concurrently. The first failure cancels
// the remaining pushes.
func (in *Installer) InstallAll(ctx context.Context, faulty topo.RuleSet) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sw := range in.topo.Switches() {
		g.Go(func() error {
			return in.Install(gctx, sw.DPID, faulty)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	in.logger.Info("rules installed",
		slog.Int("switches", in.topo.NumSwitches()),
		slog.Int("withheld", len(faulty)),
	)
	return nil
}

// ResetAll resets every switch concurrently and reports every failure.
func (in *Installer) ResetAll(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, in.topo.NumSwitches())
	for i, sw := range in.topo.Switches() {
		g.Go(func() error {
			errs[i] = in.Reset(ctx, sw.DPID)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Marker returns the marker mode the report rules match on.
func (in *Installer) Marker() Marker { return in.marker }
