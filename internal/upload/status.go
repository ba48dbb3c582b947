package upload

// Status is a task's position in the pipeline. The order of the constants
// is the order of the steps.
type Status int

const (
	Pending Status = iota
	Validating
	RequestingGrant
	Transferring
	Confirming
	Completed
	Failed
	Cancelled
)

var statusNames = [...]string{
	Pending:         "Pending",
	Validating:      "Validating",
	RequestingGrant: "RequestingGrant",
	Transferring:    "Transferring",
	Confirming:      "Confirming",
	Completed:       "Completed",
	Failed:          "Failed",
	Cancelled:       "Cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transition happens without a retry.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}
