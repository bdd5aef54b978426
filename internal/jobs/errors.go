package jobs

import (
	"errors"
	"fmt"

	"bundlebridge/internal/services"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = fmt.Errorf("job not found: %w", services.ErrNotFound)

// ErrInvalidTransition is wrapped by TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a rejected status change.
type TransitionError struct {
	ID   int64
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusExtracting, StatusImporting, StatusFailed},
	StatusDownloading: {StatusExtracting, StatusFailed},
	StatusExtracting:  {StatusImporting, StatusFailed},
	StatusImporting:   {StatusComplete, StatusFailed},
}

// CanTransition reports whether from may move to to outside of Reset.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
