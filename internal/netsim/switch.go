package netsim

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/probe"
	"github.com/dantte-lp/voyager/internal/topo"
)

// frame is a packet queued at a switch.
type frame struct {
	inPort uint32
	data   []byte
	hops   int
}

// simSwitch is one emulated switch. The table is guarded by mu; the inbox is
// drained only by the switch's own goroutine.
type simSwitch struct {
	dpid  uint64
	net   *Network
	inbox chan frame

	mu    sync.RWMutex
	table []flow.Entry

	logger *slog.Logger
}

func newSwitch(n *Network, dpid uint64) *simSwitch {
	return &simSwitch{
		dpid:   dpid,
		net:    n,
		inbox:  make(chan frame, n.queueSize),
		logger: n.logger.With(slog.Uint64("dpid", dpid)),
	}
}

// insert adds e after every entry of equal or higher priority, so lookups
// scan in priority order and ties go to the earlier install.
func (s *simSwitch) insert(e flow.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.table, func(x flow.Entry) bool { return x.Priority < e.Priority })
	if i < 0 {
		i = len(s.table)
	}
	s.table = slices.Insert(s.table, i, e)
}

func (s *simSwitch) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = nil
}

func (s *simSwitch) entries() []flow.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.table)
}

// lookup returns the highest-priority entry matching h.
func (s *simSwitch) lookup(h flow.Headers) (flow.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.table {
		if e.Match.Matches(h) {
			return e, true
		}
	}
	return flow.Entry{}, false
}

// enqueue hands f to the switch without blocking.
func (s *simSwitch) enqueue(f frame) bool {
	select {
	case s.inbox <- f:
		return true
	default:
		return false
	}
}

// run processes queued frames until ctx is cancelled.
func (s *simSwitch) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.inbox:
			s.process(f)
		}
	}
}

func (s *simSwitch) process(f frame) {
	h, err := probe.ParseHeaders(f.data, f.inPort)
	if err != nil {
		s.net.drop(s, DropMalformed, err)
		return
	}

	e, ok := s.lookup(h)
	if !ok {
		s.net.drop(s, DropTableMiss, nil)
		return
	}

	switch e.OutPort {
	case flow.PortController:
		s.net.packetIn(s.dpid, f.data)
	case topo.PortHost:
		s.net.drop(s, DropHost, nil)
	case topo.PortUnreachable:
		s.net.drop(s, DropUnreachable, nil)
	default:
		s.net.forward(s, uint64(e.OutPort), f)
	}
}
