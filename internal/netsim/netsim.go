package netsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/topo"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrUnknownSwitch indicates an operation on a dpid outside the topology.
	ErrUnknownSwitch = errors.New("unknown switch")

	// ErrQueueFull indicates a switch inbox had no room for an injected packet.
	ErrQueueFull = errors.New("switch queue full")

	// ErrAlreadyRunning indicates a second concurrent Run.
	ErrAlreadyRunning = errors.New("network already running")
)

// Defaults.
const (
	DefaultQueueSize = 1024
	DefaultHopLimit  = 64
)

// Drop reasons for MetricsReporter.IncPacketsDropped.
const (
	DropMalformed   = "malformed"
	DropTableMiss   = "table_miss"
	DropHost        = "host"
	DropUnreachable = "unreachable"
	DropNoLink      = "no_link"
	DropHopLimit    = "hop_limit"
	DropQueueFull   = "queue_full"
)

// Sink receives the control-channel events of the network. The round
// controller implements it.
type Sink interface {
	SwitchConnected(dpid uint64)
	PacketIn(dpid uint64, data []byte)
}

// MetricsReporter receives packet events. The metrics Collector implements it.
type MetricsReporter interface {
	IncPacketsForwarded()
	IncPacketIns()
	IncPacketsDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncPacketsForwarded() {}
func (noopMetrics) IncPacketIns() {}
func (noopMetrics) IncPacketsDropped(string) {}

// Counters is a point-in-time view of the packet counters.
type Counters struct {
	Injected  uint64
	Forwarded uint64
	PacketIns uint64
	Dropped   uint64
}

// -------------------------------------------------------------------------
// Network
// -------------------------------------------------------------------------

// Network emulates every switch of a topology.
type Network struct {
	topo     *topo.Topology
	switches map[uint64]*simSwitch

	queueSize int
	hopLimit  int
	linkDelay time.Duration

	sink    atomic.Pointer[sinkRef]
	running atomic.Bool

	injected  atomic.Uint64
	forwarded atomic.Uint64
	packetIns atomic.Uint64
	dropped   atomic.Uint64

	metrics MetricsReporter
	logger  *slog.Logger
}

type sinkRef struct{ Sink }

// Option configures optional Network parameters.
type Option func(*Network)

// WithQueueSize sets the inbox capacity of every switch.
func WithQueueSize(n int) Option {
	return func(nw *Network) {
		if n > 0 {
			nw.queueSize = n
		}
	}
}

// WithHopLimit sets how many links a packet may cross before it is dropped.
func WithHopLimit(n int) Option {
	return func(nw *Network) {
		if n > 0 {
			nw.hopLimit = n
		}
	}
}

// WithLinkDelay delays every inter-switch hop by d.
func WithLinkDelay(d time.Duration) Option {
	return func(nw *Network) {
		if d >= 0 {
			nw.linkDelay = d
		}
	}
}

// WithMetrics sets the MetricsReporter. nil keeps the no-op reporter.
func WithMetrics(mr MetricsReporter) Option {
	return func(nw *Network) {
		if mr != nil {
			nw.metrics = mr
		}
	}
}

// New creates a Network for t. Switches start processing once Run is called.
func New(t *topo.Topology, logger *slog.Logger, opts ...Option) *Network {
	n := &Network{
		topo:      t,
		switches:  make(map[uint64]*simSwitch, t.NumSwitches()),
		queueSize: DefaultQueueSize,
		hopLimit:  DefaultHopLimit,
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "netsim")),
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, sw := range t.Switches() {
		n.switches[sw.DPID] = newSwitch(n, sw.DPID)
	}
	return n
}

// Run starts one goroutine per switch, reports every switch as connected to
// sink, and blocks until ctx is cancelled.
func (n *Network) Run(ctx context.Context, sink Sink) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.running.Store(false)

	n.sink.Store(&sinkRef{sink})
	defer n.sink.Store(nil)

	var wg sync.WaitGroup
	for _, sw := range n.switches {
		wg.Go(func() { sw.run(ctx) })
	}

	for _, sw := range n.topo.Switches() {
		sink.SwitchConnected(sw.DPID)
	}
	n.logger.Info("network started",
		slog.Int("switches", len(n.switches)),
		slog.Int("queue_size", n.queueSize),
		slog.Duration("link_delay", n.linkDelay),
	)

	<-ctx.Done()
	wg.Wait()
	n.logger.Info("network stopped")
	return nil
}

// Counters returns the packet counters.
func (n *Network) Counters() Counters {
	return Counters{
		Injected:  n.injected.Load(),
		Forwarded: n.forwarded.Load(),
		PacketIns: n.packetIns.Load(),
		Dropped:   n.dropped.Load(),
	}
}

// Entries returns the flow table of dpid in lookup order.
func (n *Network) Entries(dpid uint64) ([]flow.Entry, error) {
	sw, err := n.lookupSwitch(dpid)
	if err != nil {
		return nil, err
	}
	return sw.entries(), nil
}

func (n *Network) lookupSwitch(dpid uint64) (*simSwitch, error) {
	sw, ok := n.switches[dpid]
	if !ok {
		return nil, fmt.Errorf("switch %d: %w", dpid, ErrUnknownSwitch)
	}
	return sw, nil
}

// -------------------------------------------------------------------------
// flow.Dataplane
// -------------------------------------------------------------------------

// InstallRule adds a forwarding entry.
func (n *Network) InstallRule(ctx context.Context, dpid uint64, e flow.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sw, err := n.lookupSwitch(dpid)
	if err != nil {
		return err
	}
	sw.insert(e)
	return nil
}

// InstallReportRule adds an entry sending matching packets to the controller.
func (n *Network) InstallReportRule(ctx context.Context, dpid uint64, priority uint16, m flow.Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sw, err := n.lookupSwitch(dpid)
	if err != nil {
		return err
	}
	sw.insert(flow.Entry{Priority: priority, Match: m, OutPort: flow.PortController})
	return nil
}

// ResetAllRules empties the flow table of dpid.
func (n *Network) ResetAllRules(ctx context.Context, dpid uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sw, err := n.lookupSwitch(dpid)
	if err != nil {
		return err
	}
	sw.clear()
	return nil
}

// InjectPacket queues data at dpid as if it arrived on inPort.
func (n *Network) InjectPacket(ctx context.Context, dpid uint64, inPort uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sw, err := n.lookupSwitch(dpid)
	if err != nil {
		return err
	}
	if !sw.enqueue(frame{inPort: inPort, data: data}) {
		n.drop(sw, DropQueueFull, nil)
		return fmt.Errorf("inject at switch %d: %w", dpid, ErrQueueFull)
	}
	n.injected.Add(1)
	return nil
}

// -------------------------------------------------------------------------
// Packet paths
// -------------------------------------------------------------------------

func (n *Network) forward(from *simSwitch, to uint64, f frame) {
	next, ok := n.switches[to]
	if !ok || !n.topo.Adjacent(from.dpid, to) {
		n.drop(from, DropNoLink, nil)
		return
	}
	if f.hops+1 > n.hopLimit {
		n.drop(from, DropHopLimit, nil)
		return
	}

	out := frame{
		inPort: uint32(from.dpid), //nolint:gosec // G115: dpids are bounded by the topology size
		data:   f.data,
		hops:   f.hops + 1,
	}
	deliver := func() {
		if !next.enqueue(out) {
			n.drop(next, DropQueueFull, nil)
			return
		}
		n.forwarded.Add(1)
		n.metrics.IncPacketsForwarded()
	}
	if n.linkDelay > 0 {
		time.AfterFunc(n.linkDelay, deliver)
		return
	}
	deliver()
}

func (n *Network) packetIn(dpid uint64, data []byte) {
	ref := n.sink.Load()
	if ref == nil {
		return
	}
	n.packetIns.Add(1)
	n.metrics.IncPacketIns()
	ref.PacketIn(dpid, data)
}

func (n *Network) drop(sw *simSwitch, reason string, err error) {
	n.dropped.Add(1)
	n.metrics.IncPacketsDropped(reason)
	if err != nil {
		sw.logger.Debug("packet dropped", slog.String("reason", reason), slog.String("error", err.Error()))
		return
	}
	sw.logger.Debug("packet dropped", slog.String("reason", reason))
}
