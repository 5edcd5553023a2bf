package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrReconnectExhausted = errors.New("reconnect exhausted")
	ErrAlreadyLive        = errors.New("already live")

	ErrInvalidVolume     = errors.New("volume must be within [0, 1]")
	ErrInvalidSourceType = errors.New("invalid source type")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrEmptyID           = errors.New("empty id")
)

// DuplicateCallError carries the call that already holds the caller's slot.
type DuplicateCallError struct {
	ExistingCallID CallID
}

func (e *DuplicateCallError) Error() string {
	return fmt.Sprintf("duplicate request: caller already has call %s", e.ExistingCallID)
}

func (e *DuplicateCallError) Is(target error) bool { return target == ErrDuplicateRequest }
