package voyager

// -------------------------------------------------------------------------
// Probe outcomes
// -------------------------------------------------------------------------

// Outcome is the classification of one probe.
type Outcome uint8

const (
	// OutcomePending means neither a report nor the deadline resolved the probe.
	OutcomePending Outcome = iota

	// OutcomePassed means the probe behaved as its path predicts.
	OutcomePassed

	// OutcomeFailed means the probe did not behave as its path predicts.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Campaign phases
// -------------------------------------------------------------------------

// Phase is the campaign state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseInstalling
	PhaseRound1
	PhaseRound2
	PhaseReporting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseInstalling:
		return "Installing"
	case PhaseRound1:
		return "Round1Running"
	case PhaseRound2:
		return "Round2Running"
	case PhaseReporting:
		return "Reporting"
	case PhaseDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// PhaseEvent drives campaign phase transitions.
type PhaseEvent uint8

const (
	// PhaseEventStart begins installing the rule set.
	PhaseEventStart PhaseEvent = iota

	// PhaseEventInstalled means every switch holds its rules.
	PhaseEventInstalled

	// PhaseEventDrained means the running round has no outstanding probe and
	// no round-2 work is queued.
	PhaseEventDrained

	// PhaseEventEscalate means round 1 drained with round-2 work queued.
	PhaseEventEscalate

	// PhaseEventReported means the result was handed to the caller.
	PhaseEventReported

	// PhaseEventAbort stops the campaign where it is.
	PhaseEventAbort
)

type phaseKey struct {
	phase Phase
	event PhaseEvent
}

// phaseTable lists every legal transition. Abort is legal from every active
// phase and leads to Reporting so a partial result is still produced.
var phaseTable = map[phaseKey]Phase{
	{PhaseIdle, PhaseEventStart}:           PhaseInstalling,
	{PhaseInstalling, PhaseEventInstalled}: PhaseRound1,
	{PhaseRound1, PhaseEventDrained}:       PhaseReporting,
	{PhaseRound1, PhaseEventEscalate}:      PhaseRound2,
	{PhaseRound2, PhaseEventDrained}:       PhaseReporting,
	{PhaseReporting, PhaseEventReported}:   PhaseDone,

	{PhaseInstalling, PhaseEventAbort}: PhaseReporting,
	{PhaseRound1, PhaseEventAbort}:     PhaseReporting,
	{PhaseRound2, PhaseEventAbort}:     PhaseReporting,
}

// ApplyPhaseEvent returns the phase after e. ok is false when e is not legal
// in p; the phase is then unchanged.
func ApplyPhaseEvent(p Phase, e PhaseEvent) (Phase, bool) {
	next, ok := phaseTable[phaseKey{p, e}]
	if !ok {
		return p, false
	}
	return next, true
}

// Running reports whether probes can be outstanding in p.
func (p Phase) Running() bool {
	return p == PhaseRound1 || p == PhaseRound2
}
