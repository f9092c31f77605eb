// ABOUTME: Error taxonomy shared by the router, history service and transports
// ABOUTME: Kind maps any error onto the stable code clients and metrics see

package conversation

import (
	"context"
	"errors"

	"github.com/2389/coven-dm/internal/store"
)

var (
	// ErrUnauthorized: the caller is not who they claim, or may not read the conversation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownRecipient: the receiver is not in the user directory.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrValidation: malformed message. Same sentinel the store returns.
	ErrValidation = store.ErrValidation

	// ErrStorage: the store failed. Same sentinel the store returns.
	ErrStorage = store.ErrStorage
)

// Error kinds returned by Kind.
const (
	KindUnauthorized     = "unauthorized"
	KindValidation       = "validation_error"
	KindUnknownRecipient = "unknown_recipient"
	KindStorage          = "storage_error"
	KindCanceled         = "canceled"
	KindInternal         = "internal"
)

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnknownRecipient):
		return KindUnknownRecipient
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
