package chat

import "github.com/pkg/errors"

var (
	// ErrEmptyAnswer means the run completed without producing any text. The
	// answer must not be persisted as a turn; the user gets a distinct
	// message instead of a blank bubble.
	ErrEmptyAnswer = errors.New("assistant produced no answer")

	// ErrSuperseded means a newer submission started while this one was
	// still streaming. The stale pipeline must not touch the transcript or
	// the UI anymore.
	ErrSuperseded = errors.New("superseded by a newer submission")

	// ErrMaxToolRounds guards against a run that keeps pausing for tool
	// outputs. The bound is generous; the service typically needs at most
	// two or three rounds.
	ErrMaxToolRounds = errors.New("too many tool invocation rounds")
)
