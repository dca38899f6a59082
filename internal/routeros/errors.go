package routeros

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnreachable covers network failures and timeouts. Retryable.
	ErrUnreachable = errors.New("device unreachable")
	// ErrRejected is a semantic refusal by the device. Not retryable
	// without correcting the input.
	ErrRejected = errors.New("rejected by device")
	// ErrMalformed is a response that could not be parsed. Escalated and
	// retried like ErrUnreachable.
	ErrMalformed = errors.New("malformed device response")
	// ErrNoSuchObject is returned when the addressed object does not exist.
	ErrNoSuchObject = errors.New("no such object on device")
	// ErrInvalidOperation is returned for operations failing validation
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrUnknownRouter is returned by a dialer that cannot resolve a router
	ErrUnknownRouter = errors.New("unknown router")
)

// DeviceError carries the router and operation of a failed gateway call
type DeviceError struct {
	RouterID string
	Op       OpKind
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("router %s: %s: %v", e.RouterID, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed call may be reissued
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrMalformed)
}

// isDuplicate reports whether a rejection is a name collision
func isDuplicate(err error) bool {
	return errors.Is(err, ErrRejected) && errors.Is(err, errDuplicateName)
}

var errDuplicateName = errors.New("already have such name")

func rejected(detail string) error {
	if strings.Contains(detail, "already") {
		return fmt.Errorf("%w: %w: %s", ErrRejected, errDuplicateName, detail)
	}
	return fmt.Errorf("%w: %s", ErrRejected, detail)
}
