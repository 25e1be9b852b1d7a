package gdma

import (
	"context"
	"errors"

	"github.com/slackhq/gdma/descriptor"
	"github.com/slackhq/gdma/hal"
)

var (
	// ErrInvalidArg is returned for empty, oversized or misaligned buffers.
	// Nothing was touched on the hardware when it is returned.
	ErrInvalidArg = errors.New("gdma: invalid argument")

	// ErrNoMem is returned when descriptor memory could not be allocated.
	ErrNoMem = descriptor.ErrNoMem

	// ErrNotFound is returned when the controller has no free channel pair.
	ErrNotFound = hal.ErrNotFound

	// ErrTimeout is returned when a transfer did not complete in time. The
	// pair was reset and can be used again.
	ErrTimeout = errors.New("gdma: transfer timed out")

	// ErrFail wraps any other hardware failure.
	ErrFail = errors.New("gdma: hardware failure")

	// ErrInvalidState is returned when a freed pair is used.
	ErrInvalidState = errors.New("gdma: channel pair was freed")
)

// Status is the coarse outcome of an operation, for callers that report
// results as codes.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArg
	StatusNoMem
	StatusNotFound
	StatusTimeout
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidArg:
		return "INVALID_ARG"
	case StatusNoMem:
		return "NO_MEM"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// StatusOf maps err to its Status. Errors the engine does not know about map
// to StatusFail.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidArg), errors.Is(err, ErrInvalidState):
		return StatusInvalidArg
	case errors.Is(err, ErrNoMem):
		return StatusNoMem
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusFail
	}
}
