package domain

// State is the lifecycle state of a job
type State string

// Job state constants
const (
	StateQueued    State = "queued"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateQueued,
	StateDelayed,
	StateActive,
	StateRetrying,
	StateCompleted,
	StateFailed,
	StateDead,
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the engine will never run a job in this state again
// without operator action
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDead
}

// BackoffType selects how the retry delay grows
type BackoffType string

// Backoff type constants
const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Defaults applied by the producer when an option is left zero
const (
	DefaultMaxAttempts   = 3
	DefaultBackoffBaseMs = 1000
	MaxQueueNameLength   = 128
	MaxAttemptsLimit     = 100

	// MaxDurationMs is one year, the upper bound of every millisecond option
	MaxDurationMs int64 = 365 * 24 * 60 * 60 * 1000
)
