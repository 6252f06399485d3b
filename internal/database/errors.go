package database

import (
	"errors"
)

// Discriminated failures callers branch on with errors.Is
var (
	// ErrNotFound means the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict means a contest mutation's expected prior status
	// did not match the stored row. This is the optimistic fence against
	// a split-brain orchestrator; the local driver must treat it as fatal
	// for the affected contest.
	ErrStatusConflict = errors.New("contest status conflict")

	// ErrAlreadyVoted means a vote already exists for the
	// (contest, round, voter) triple. Re-casting the same choice is a
	// no-op; a different choice is rejected. Both surface this error.
	ErrAlreadyVoted = errors.New("already voted")

	// ErrDuplicateTurn means a turn row already exists for the
	// (contest, round, position, exchange) slot.
	ErrDuplicateTurn = errors.New("duplicate turn")
)
