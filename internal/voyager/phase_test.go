package voyager_test

import (
	"testing"

	"github.com/dantte-lp/voyager/internal/voyager"
)

// TestPhaseTable walks every legal campaign transition and a sample of
// illegal ones.
func TestPhaseTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		phase  voyager.Phase
		event  voyager.PhaseEvent
		want   voyager.Phase
		wantOK bool
	}{
		{"Idle+Start->Installing", voyager.PhaseIdle, voyager.PhaseEventStart, voyager.PhaseInstalling, true},
		{"Installing+Installed->Round1", voyager.PhaseInstalling, voyager.PhaseEventInstalled, voyager.PhaseRound1, true},
		{"Round1+Drained->Reporting", voyager.PhaseRound1, voyager.PhaseEventDrained, voyager.PhaseReporting, true},
		{"Round1+Escalate->Round2", voyager.PhaseRound1, voyager.PhaseEventEscalate, voyager.PhaseRound2, true},
		{"Round2+Drained->Reporting", voyager.PhaseRound2, voyager.PhaseEventDrained, voyager.PhaseReporting, true},
		{"Reporting+Reported->Done", voyager.PhaseReporting, voyager.PhaseEventReported, voyager.PhaseDone, true},
		{"Installing+Abort->Reporting", voyager.PhaseInstalling, voyager.PhaseEventAbort, voyager.PhaseReporting, true},
		{"Round1+Abort->Reporting", voyager.PhaseRound1, voyager.PhaseEventAbort, voyager.PhaseReporting, true},
		{"Round2+Abort->Reporting", voyager.PhaseRound2, voyager.PhaseEventAbort, voyager.PhaseReporting, true},

		{"Round2 cannot escalate again", voyager.PhaseRound2, voyager.PhaseEventEscalate, voyager.PhaseRound2, false},
		{"Idle cannot drain", voyager.PhaseIdle, voyager.PhaseEventDrained, voyager.PhaseIdle, false},
		{"Done is terminal", voyager.PhaseDone, voyager.PhaseEventAbort, voyager.PhaseDone, false},
		{"Reporting ignores abort", voyager.PhaseReporting, voyager.PhaseEventAbort, voyager.PhaseReporting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := voyager.ApplyPhaseEvent(tt.phase, tt.event)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ApplyPhaseEvent(%s, %d) = %s, %v; want %s, %v",
					tt.phase, tt.event, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPhaseRunning(t *testing.T) {
	t.Parallel()

	for p := voyager.PhaseIdle; p <= voyager.PhaseDone; p++ {
		want := p == voyager.PhaseRound1 || p == voyager.PhaseRound2
		if p.Running() != want {
			t.Errorf("%s.Running() = %v, want %v", p, p.Running(), want)
		}
	}
}
