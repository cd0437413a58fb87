package extract

// State is a step of the extraction workflow.
type State int

const (
	StateLoadingEmail State = iota
	StatePasswordEntryPending
	StateAutoValidating
	StatePasswordValidated
	StateSkipped
	StateExtractionRunning
	StateExtractionComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateLoadingEmail:
		return "loading-email"
	case StatePasswordEntryPending:
		return "password-entry-pending"
	case StateAutoValidating:
		return "auto-validating"
	case StatePasswordValidated:
		return "password-validated"
	case StateSkipped:
		return "skipped"
	case StateExtractionRunning:
		return "extraction-running"
	case StateExtractionComplete:
		return "extraction-complete"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Progress is published after every workflow step.
type Progress struct {
	RunID  string
	State  State
	Sender string

	// Processed and Total count messages across all senders of a Phase 2
	// run. Both are zero during Phase 1.
	Processed int
	Total     int

	Status string
}
