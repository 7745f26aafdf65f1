package publish

// State is a stage of a publish attempt.
type State string

const (
	StateIdle           State = "idle"
	StatePreparing      State = "preparing"
	StateRebasing       State = "rebasing"
	StateValidating     State = "validating"
	StateFastForwarding State = "fast_forwarding"
	StatePushing        State = "pushing"
	StateDone           State = "done"
	StateAborting       State = "aborting"
	StateFailed         State = "failed"
)

func (s State) String() string {
	return string(s)
}
