package recsys

// State is the position of the driver in the epoch state machine.
type State int

const (
	Idle State = iota
	ComputingResidual
	AwaitingCSPSum
	UpdatingGradients
	AwaitingCSPGroup
	Unmasking
	EvaluatingStop
	Converged
	EpochLimitReached
	Failed
)

var stateNames = [...]string{
	Idle:              "idle",
	ComputingResidual: "computing_residual",
	AwaitingCSPSum:    "awaiting_csp_sum",
	UpdatingGradients: "updating_gradients",
	AwaitingCSPGroup:  "awaiting_csp_group",
	Unmasking:         "unmasking",
	EvaluatingStop:    "evaluating_stop",
	Converged:         "converged",
	EpochLimitReached: "epoch_limit_reached",
	Failed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further epoch may run.
func (s State) Terminal() bool {
	return s == Converged || s == EpochLimitReached || s == Failed
}

// MarshalText renders the state by name in JSON reports.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
