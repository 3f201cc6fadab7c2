package channels

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChannelRequired = errors.New("channel required")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrInvalidTarget   = errors.New("invalid delivery target")
)

// ChannelRequiredError is returned when no channel was named and the
// configured set does not pick exactly one.
type ChannelRequiredError struct {
	Available []string
}

func (e *ChannelRequiredError) Error() string {
	if len(e.Available) == 0 {
		return "channel required: no channels detected"
	}
	return "channel required: ambiguous, specify one of: " + strings.Join(e.Available, ", ")
}

func (e *ChannelRequiredError) Is(target error) bool {
	return target == ErrChannelRequired
}

// UnknownChannelError is returned for a named channel that is not registered
// or not configured.
type UnknownChannelError struct {
	Name       string
	Registered bool
}

func (e *UnknownChannelError) Error() string {
	if e.Registered {
		return fmt.Sprintf("channel %q is not configured", e.Name)
	}
	return fmt.Sprintf("unknown channel %q", e.Name)
}

func (e *UnknownChannelError) Is(target error) bool {
	return target == ErrUnknownChannel
}

// DeliveryTargetError reports an address the adapter cannot deliver to.
type DeliveryTargetError struct {
	Channel string
	To      string
	Reason  string
	Err     error
}

func (e *DeliveryTargetError) Error() string {
	msg := fmt.Sprintf("invalid delivery target for %s: %q", e.Channel, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryTargetError) Unwrap() error { return e.Err }

func (e *DeliveryTargetError) Is(target error) bool {
	return target == ErrInvalidTarget
}
