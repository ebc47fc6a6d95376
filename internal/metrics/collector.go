// Package voyagermetrics exports campaign, installer, dataplane and
// evaluation metrics to Prometheus.
package voyagermetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "voyager"

	subsystemController = "controller"
	subsystemFlow       = "flow"
	subsystemNetsim     = "netsim"
	subsystemEval       = "eval"
)

// Label names.
const (
	labelRound    = "round"
	labelOutcome  = "outcome"
	labelPhase    = "phase"
	labelKind     = "kind"
	labelReason   = "reason"
	labelFraction = "fraction"
	labelRate     = "rate"
	labelStatus   = "status"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds every voyager metric. It implements the MetricsReporter
// interfaces of the voyager, flow, netsim and eval packages.
type Collector struct {
	// ProbesLaunched counts probes injected per round.
	ProbesLaunched *prometheus.CounterVec

	// ProbeOutcomes counts classifications per round and outcome.
	ProbeOutcomes *prometheus.CounterVec

	// LateReports counts reports for probes no longer outstanding.
	LateReports prometheus.Counter

	// UnexpectedReports counts reports from a switch other than the
	// expected reporter.
	UnexpectedReports prometheus.Counter

	// MalformedReports counts packet-ins without a decodable probe tag.
	MalformedReports prometheus.Counter

	// DuplicateClassifications counts probes resolved twice. Any non-zero
	// value is a bug.
	DuplicateClassifications prometheus.Counter

	// CampaignDuration observes preparation and testing time per campaign.
	CampaignDuration *prometheus.HistogramVec

	// FlowsInstalled counts pushed entries by kind (forward, report).
	FlowsInstalled *prometheus.CounterVec

	// InstallFailures counts rejected flow pushes and resets.
	InstallFailures prometheus.Counter

	// Resets counts per-switch table resets.
	Resets prometheus.Counter

	// PacketsForwarded counts inter-switch hops in the emulated dataplane.
	PacketsForwarded prometheus.Counter

	// PacketIns counts packets the emulated dataplane sent to the controller.
	PacketIns prometheus.Counter

	// PacketsDropped counts emulated dataplane drops by reason.
	PacketsDropped *prometheus.CounterVec

	// FaultRates holds the last FPR and FNR per fault fraction.
	FaultRates *prometheus.GaugeVec

	// Campaigns counts finished campaigns by status.
	Campaigns *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ProbesLaunched,
		c.ProbeOutcomes,
		c.LateReports,
		c.UnexpectedReports,
		c.MalformedReports,
		c.DuplicateClassifications,
		c.CampaignDuration,
		c.FlowsInstalled,
		c.InstallFailures,
		c.Resets,
		c.PacketsForwarded,
		c.PacketIns,
		c.PacketsDropped,
		c.FaultRates,
		c.Campaigns,
	)

	return c
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// newMetrics creates all metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		ProbesLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "probes_launched_total",
			Help:      "Total probes injected, by round.",
		}, []string{labelRound}),

		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "probe_outcomes_total",
			Help:      "Total probe classifications, by round and outcome.",
		}, []string{labelRound, labelOutcome}),

		LateReports: counter(subsystemController, "late_reports_total",
			"Total reports for probes that were no longer outstanding."),
		UnexpectedReports: counter(subsystemController, "unexpected_reports_total",
			"Total reports from a switch other than the expected reporter."),
		MalformedReports: counter(subsystemController, "malformed_reports_total",
			"Total packet-ins without a decodable probe tag."),
		DuplicateClassifications: counter(subsystemController, "duplicate_classifications_total",
			"Total probes classified more than once."),

		CampaignDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "campaign_duration_seconds",
			Help:      "Campaign preparation and testing time.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{labelPhase}),

		FlowsInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemFlow,
			Name:      "installed_total",
			Help:      "Total flow entries pushed, by kind.",
		}, []string{labelKind}),
		InstallFailures: counter(subsystemFlow, "install_failures_total",
			"Total flow pushes or resets the dataplane rejected."),
		Resets: counter(subsystemFlow, "resets_total",
			"Total per-switch table resets."),

		PacketsForwarded: counter(subsystemNetsim, "packets_forwarded_total",
			"Total inter-switch hops in the emulated dataplane."),
		PacketIns: counter(subsystemNetsim, "packet_ins_total",
			"Total packets the emulated dataplane sent to the controller."),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNetsim,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped by the emulated dataplane, by reason.",
		}, []string{labelReason}),

		FaultRates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemEval,
			Name:      "fault_rate",
			Help:      "False positive and false negative rate of the last campaign per fault fraction.",
		}, []string{labelFraction, labelRate}),

		Campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEval,
			Name:      "campaigns_total",
			Help:      "Total campaigns run by the evaluation loop, by status.",
		}, []string{labelStatus}),
	}
}

// -------------------------------------------------------------------------
// Controller
// -------------------------------------------------------------------------

// IncProbesLaunched counts one injected probe.
func (c *Collector) IncProbesLaunched(round int) {
	c.ProbesLaunched.WithLabelValues(strconv.Itoa(round)).Inc()
}

// IncProbeOutcome counts one classification.
func (c *Collector) IncProbeOutcome(round int, outcome string) {
	c.ProbeOutcomes.WithLabelValues(strconv.Itoa(round), outcome).Inc()
}

func (c *Collector) IncLateReports() { c.LateReports.Inc() }
func (c *Collector) IncUnexpectedReports() { c.UnexpectedReports.Inc() }
func (c *Collector) IncMalformedReports() { c.MalformedReports.Inc() }
func (c *Collector) IncDuplicateClassifications() { c.DuplicateClassifications.Inc() }

// ObserveCampaign records the time a campaign spent in phase.
func (c *Collector) ObserveCampaign(phase string, d time.Duration) {
	c.CampaignDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// -------------------------------------------------------------------------
// Flow installer
// -------------------------------------------------------------------------

// IncFlowsInstalled counts one pushed entry of kind.
func (c *Collector) IncFlowsInstalled(kind string) {
	c.FlowsInstalled.WithLabelValues(kind).Inc()
}

func (c *Collector) IncInstallFailures() { c.InstallFailures.Inc() }
func (c *Collector) IncResets() { c.Resets.Inc() }

// -------------------------------------------------------------------------
// Emulated dataplane
// -------------------------------------------------------------------------

func (c *Collector) IncPacketsForwarded() { c.PacketsForwarded.Inc() }
func (c *Collector) IncPacketIns() { c.PacketIns.Inc() }

// IncPacketsDropped counts one drop.
func (c *Collector) IncPacketsDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Evaluation
// -------------------------------------------------------------------------

// SetFaultRates publishes the scores of the campaign at fraction.
func (c *Collector) SetFaultRates(fraction, fpr, fnr float64) {
	f := strconv.FormatFloat(fraction, 'f', -1, 64)
	c.FaultRates.WithLabelValues(f, "fpr").Set(fpr)
	c.FaultRates.WithLabelValues(f, "fnr").Set(fnr)
}

// IncCampaigns counts one finished campaign.
func (c *Collector) IncCampaigns(status string) {
	c.Campaigns.WithLabelValues(status).Inc()
}
