package purchase

import "fmt"

// Step is the purchase flow's externally visible state. Exactly one step is
// active at a time per flow instance.
type Step string

const (
	StepReview     Step = "review"
	StepApproving  Step = "approving"
	StepConfirming Step = "confirming"
	StepProcessing Step = "processing"
	StepSuccess    Step = "success"
	StepError      Step = "error"
)

// Event drives the transition function. Effects (chain calls, waits) happen
// in the flow; the machine itself is pure.
type Event string

const (
	EventStartApproval     Event = "start_approval"
	EventApprovalConfirmed Event = "approval_confirmed"
	EventStartPurchase     Event = "start_purchase"
	EventSubmitted         Event = "submitted"
	EventConfirmed         Event = "confirmed"
	EventFailed            Event = "failed"
	EventRetry             Event = "retry"
)

var transitions = map[Step]map[Event]Step{
	StepReview: {
		EventStartApproval: StepApproving,
		EventStartPurchase: StepConfirming,
		EventFailed:        StepError,
	},
	StepApproving: {
		EventApprovalConfirmed: StepReview,
		EventFailed:            StepError,
	},
	StepConfirming: {
		EventSubmitted: StepProcessing,
		EventFailed:    StepError,
	},
	StepProcessing: {
		EventConfirmed: StepSuccess,
		EventFailed:    StepError,
	},
	StepError: {
		EventRetry: StepReview,
	},
}

// Transition returns the step that follows current on event. Illegal
// transitions leave the step unchanged and report an error; terminal success
// accepts no events at all.
func Transition(current Step, event Event) (Step, error) {
	allowed, ok := transitions[current]
	if !ok {
		return current, fmt.Errorf("purchase: step %q accepts no events", current)
	}
	next, ok := allowed[event]
	if !ok {
		return current, fmt.Errorf("purchase: event %q not allowed in step %q", event, current)
	}
	return next, nil
}

// Terminal reports whether the step ends the flow.
func (s Step) Terminal() bool {
	return s == StepSuccess || s == StepError
}

// InFlight reports whether a transaction has been handed to the chain and
// the flow must not be abandoned.
func (s Step) InFlight() bool {
	return s == StepApproving || s == StepProcessing
}
