package push

import "fmt"

// State classifies the result of a single provider send.
type State int

const (
	// StateDelivered means the provider accepted the message for the token.
	StateDelivered State = iota
	// StateTransient covers retryable failures: quota, 5xx, timeouts.
	StateTransient
	// StatePermanent covers failures that will never succeed for this token,
	// such as an unregistered or malformed token. Callers must deactivate.
	StatePermanent
)

func (s State) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateTransient:
		return "transient"
	case StatePermanent:
		return "permanent"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the closed classification every caller must handle. It is a
// value, not an error: per-token failures are data for the delivery ledger.
type Outcome struct {
	State  State
	Reason string
}

// Delivered builds a successful outcome.
func Delivered() Outcome {
	return Outcome{State: StateDelivered}
}

// Transient builds a retryable failure outcome.
func Transient(reason string) Outcome {
	return Outcome{State: StateTransient, Reason: reason}
}

// Permanent builds a non-retryable failure outcome.
func Permanent(reason string) Outcome {
	return Outcome{State: StatePermanent, Reason: reason}
}

// OK reports whether the send was accepted by the provider.
func (o Outcome) OK() bool {
	return o.State == StateDelivered
}
