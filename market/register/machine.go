package register

import "fmt"

// Step is a registration flow state. Exactly one is active per flow instance.
type Step string

const (
	StepReview      Step = "review"
	StepCommitting  Step = "committing"
	StepWaiting     Step = "waiting"
	StepRegistering Step = "registering"
	StepSuccess     Step = "success"
	StepError       Step = "error"
)

// Event is a command or outcome that may move the flow between steps.
type Event string

const (
	EventStartCommit       Event = "start_commit"
	EventCommitConfirmed   Event = "commit_confirmed"
	EventResumeWaiting     Event = "resume_waiting"
	EventStartRegister     Event = "start_register"
	EventRegisterConfirmed Event = "register_confirmed"
	EventCommitmentExpired Event = "commitment_expired"
	EventFailed            Event = "failed"
	EventRetry             Event = "retry"
)

var transitions = map[Step]map[Event]Step{
	StepReview: {
		EventStartCommit:   StepCommitting,
		EventResumeWaiting: StepWaiting,
		EventFailed:        StepError,
	},
	StepCommitting: {
		EventCommitConfirmed: StepWaiting,
		EventFailed:          StepError,
	},
	StepWaiting: {
		EventStartRegister:     StepRegistering,
		EventCommitmentExpired: StepReview,
		EventFailed:            StepError,
	},
	StepRegistering: {
		EventRegisterConfirmed: StepSuccess,
		EventFailed:            StepError,
	},
	StepError: {
		EventRetry: StepReview,
	},
}

// Transition is the pure state function. Illegal events leave the step
// unchanged and report an error.
func Transition(step Step, event Event) (Step, error) {
	next, ok := transitions[step][event]
	if !ok {
		return step, fmt.Errorf("register: event %s not valid in step %s", event, step)
	}
	return next, nil
}

// Terminal reports whether the step ends the flow.
func (s Step) Terminal() bool {
	return s == StepSuccess || s == StepError
}

// InFlight reports whether a transaction is pending on chain and the flow
// must not be abandoned.
func (s Step) InFlight() bool {
	return s == StepCommitting || s == StepRegistering
}
