// Package routing validates static routes and resolvers submitted for a VM.
// This file defines the sentinel kinds and the structured rejection error.
package routing

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel error kinds. Use errors.Is() to classify a rejection.
var (
	// ErrInvalidDestination indicates a route destination is neither an address nor a CIDR block.
	ErrInvalidDestination = errors.New("invalid route destination")

	// ErrInvalidGateway indicates a route gateway is neither an address nor a nic reference.
	ErrInvalidGateway = errors.New("invalid route gateway")

	// ErrInvalidNic indicates a nic reference points past the nic list, at a DHCP nic,
	// or at a nic being removed.
	ErrInvalidNic = errors.New("invalid nic reference")

	// ErrInvalidResolver indicates a resolver is not an IPv4 address.
	ErrInvalidResolver = errors.New("invalid resolver")
)

// Error is a request rejection. Message is the user-facing text and must
// stay stable; callers match on it.
type Error struct {
	Kind    error
	Token   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches the error kind, and errdefs.ErrInvalidArgument for every kind.
func (e *Error) Is(target error) bool {
	if target == errdefs.ErrInvalidArgument {
		return true
	}
	return e.Kind != nil && errors.Is(e.Kind, target)
}

// KindName returns a short label for the kind, used in logs and metrics.
func (e *Error) KindName() string {
	switch e.Kind {
	case ErrInvalidDestination:
		return "destination"
	case ErrInvalidGateway:
		return "gateway"
	case ErrInvalidNic:
		return "nic"
	case ErrInvalidResolver:
		return "resolver"
	default:
		return "unknown"
	}
}

// NewDestinationError rejects a route destination token.
func NewDestinationError(token string) *Error {
	return &Error{
		Kind:    ErrInvalidDestination,
		Token:   token,
		Message: fmt.Sprintf("Invalid route destination: \"%s\" (must be IP address or CIDR)", token),
	}
}

// NewGatewayError rejects a route gateway token.
func NewGatewayError(token string) *Error {
	return &Error{
		Kind:    ErrInvalidGateway,
		Token:   token,
		Message: fmt.Sprintf("Invalid route gateway: \"%s\" (must be IP address or nic)", token),
	}
}

// NewNicError rejects a nic reference. Out of range and DHCP share one message.
func NewNicError(token string) *Error {
	return &Error{
		Kind:    ErrInvalidNic,
		Token:   token,
		Message: fmt.Sprintf("Route gateway: \"%s\" refers to non-existent or DHCP nic", token),
	}
}

// NewResolverError rejects a resolver token.
func NewResolverError(token string) *Error {
	return &Error{
		Kind:    ErrInvalidResolver,
		Token:   token,
		Message: fmt.Sprintf("Invalid resolver: \"%s\" (must be IP address)", token),
	}
}
