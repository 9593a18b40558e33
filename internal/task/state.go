package task

// transitions enumerates every legal (from, to) pair. CanTransition is consulted
// by the Scheduler and Command Surface before mutating a task's State; an illegal
// transition is an ErrInvariantViolation, never silently clamped.
var transitions = map[State]map[State]bool{
	StateQueued: {
		StateInitializing: true,
		StateWaiting:      true,
		StateDownloading:  true,
		StateCancelled:    true,
	},
	StateWaiting: {
		StateInitializing: true,
		StateDownloading:  true,
		StateCancelled:    true,
	},
	StateInitializing: {
		StateQueued:    true, // re-enters queue for admission after a successful probe
		StateFailed:    true,
		StateCancelled: true,
	},
	StateDownloading: {
		StatePaused:     true,
		StateFinalizing: true,
		StateCompleted:  true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateFinalizing: {
		StateCompleted: true,
		StateFailed:    true,
	},
	StatePaused: {
		StateQueued:    true, // retry/resume
		StateCancelled: true,
	},
	StateFailed: {
		StateQueued:    true, // retry
		StateCancelled: true,
	},
	StateCompleted: {
		StateQueued: true, // re-run, discards prior size
	},
	StateCancelled: {},
}

// CanTransition reports whether moving from `from` to `to` is a legal state-machine
// edge. Terminal states COMPLETED/FAILED never spontaneously change except via an
// explicit retry/re-run command, which is exactly what this table encodes.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// SetState applies a transition, returning ErrInvariantViolation if illegal.
func (t *Task) SetState(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.State, to) {
		return ErrInvariantViolation
	}
	t.State = to
	return nil
}
