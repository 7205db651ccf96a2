package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrChipNotFound is returned when the JEDEC ID reads as all ones, which is
	// what a floating MISO line looks like.
	ErrChipNotFound = errors.New("chip not found, check connection")
	ErrOutOfRange   = errors.New("range exceeds 24-bit address space")
)

// UnfinishedError is returned when a read or write was cancelled between
// chunks. Done bytes were transferred before cancellation was observed.
type UnfinishedError struct {
	Op          string
	Done, Total int
	Err         error
}

func (e *UnfinishedError) Error() string {
	return fmt.Sprintf("%s unfinished: %d of %d bytes done: %v", e.Op, e.Done, e.Total, e.Err)
}

func (e *UnfinishedError) Unwrap() error {
	return e.Err
}

// MismatchError is returned by Verify at the first differing byte.
type MismatchError struct {
	Address   uint32
	Want, Got byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verification failed at 0x%06x: expected 0x%02x, got 0x%02x", e.Address, e.Want, e.Got)
}
