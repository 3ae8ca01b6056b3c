package sharing

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidReason is a machine-readable token failure code
type InvalidReason string

const (
	ReasonNotFound  InvalidReason = "not_found"
	ReasonInactive  InvalidReason = "inactive"
	ReasonExpired   InvalidReason = "expired"
	ReasonExhausted InvalidReason = "exhausted"
)

// InvalidTokenError is returned when a token cannot be consumed. It carries
// every reason that applied at evaluation time.
type InvalidTokenError struct {
	Reasons []InvalidReason
}

func (e *InvalidTokenError) Error() string {
	if len(e.Reasons) == 0 {
		return "invalid sharing token"
	}
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = string(r)
	}
	return fmt.Sprintf("invalid sharing token: %s", strings.Join(parts, ", "))
}

// HasReason reports whether a specific failure code applied
func (e *InvalidTokenError) HasReason(reason InvalidReason) bool {
	for _, r := range e.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// AsInvalidToken unwraps an InvalidTokenError from an error chain
func AsInvalidToken(err error) (*InvalidTokenError, bool) {
	var ite *InvalidTokenError
	if errors.As(err, &ite) {
		return ite, true
	}
	return nil, false
}

// ErrAccessDenied is returned for any authorization failure. It deliberately
// carries no detail about whether the target resource exists.
var ErrAccessDenied = errors.New("access denied")

// ErrNotFound is returned when a referenced project, collaborator, or user
// row does not exist and the caller is entitled to know that.
var ErrNotFound = errors.New("not found")

// ConflictError is returned when a mutation loses to a concurrent one, such
// as a duplicate collaborator insert.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// DeliveryError wraps an invitation delivery failure. The token behind the
// invitation remains valid; the caller may retry delivery or hand out the
// link directly.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver invitation to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
