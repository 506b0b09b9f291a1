package agentloop

// OutcomeStatus is the terminal status of a run.
type OutcomeStatus string

const (
	OutcomeDone    OutcomeStatus = "done"
	OutcomeStopped OutcomeStatus = "stopped"
)

// StopReason says why a run stopped before the model finished.
type StopReason string

const (
	StopMaxSteps    StopReason = "max_steps"
	StopUserStopped StopReason = "user_stopped"
	StopModelError  StopReason = "model_error"
	StopCancelled   StopReason = "cancelled"
)

// Outcome is the result of Session.Run. A done outcome carries the final
// assistant text; a stopped outcome carries a reason and, for model errors
// and cancellation, the underlying error.
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Content string        `json:"content,omitempty"`
	Steps   int           `json:"steps"`
	Reason  StopReason    `json:"reason,omitempty"`
	Err     error         `json:"-"`
}

// Done reports whether the model completed the task.
func (o Outcome) Done() bool {
	return o.Status == OutcomeDone
}

// Message renders the outcome for people.
func (o Outcome) Message() string {
	switch o.Reason {
	case "":
		return o.Content
	case StopMaxSteps:
		return "stopped: ran out of steps"
	case StopUserStopped:
		return "stopped: stopped by user"
	case StopModelError:
		if o.Err != nil {
			return "stopped: model request failed: " + o.Err.Error()
		}
		return "stopped: model request failed"
	case StopCancelled:
		return "stopped: cancelled"
	default:
		return "stopped: " + string(o.Reason)
	}
}
