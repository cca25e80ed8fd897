package store

import (
	"errors"
	"time"
)

var (
	// ErrMachineNotFound is returned when no machine has the requested name.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrTransitionNotFound is returned when no transition has the requested id.
	ErrTransitionNotFound = errors.New("transition not found")
	// ErrNoteAlreadySet is returned when an operator note was already recorded.
	ErrNoteAlreadySet = errors.New("transition note already set")
	// ErrAssignmentNotFound is returned when no job assignment has the requested id.
	ErrAssignmentNotFound = errors.New("job assignment not found")
)

// TransitionFilter narrows a history query. Zero values mean "no bound".
type TransitionFilter struct {
	MachineID int64
	From      time.Time
	To        time.Time
	Limit     int
}
