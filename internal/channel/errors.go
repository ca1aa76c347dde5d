package channel

import (
	"errors"
	"fmt"
)

// SendErrorKind classifies outbound delivery failures so dispatch can
// decide between retrying and failing the message.
type SendErrorKind string

const (
	// SendErrAuthExpired means the channel's stored credentials were
	// rejected by the provider.
	SendErrAuthExpired SendErrorKind = "auth_expired"

	// SendErrRecipientInvalid means the provider rejected the target
	// identifier. Not retryable.
	SendErrRecipientInvalid SendErrorKind = "recipient_invalid"

	// SendErrTransport covers network failures and provider 5xx
	// responses. Retryable.
	SendErrTransport SendErrorKind = "transport"

	// SendErrUnsupportedChannel means no adapter is registered for the
	// message's channel slug.
	SendErrUnsupportedChannel SendErrorKind = "unsupported_channel"
)

// SendError is a classified outbound delivery failure.
type SendError struct {
	Kind   SendErrorKind
	Reason string
	Cause  error
}

func (e *SendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("send failed (%s): %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("send failed (%s): %s", e.Kind, e.Reason)
}

func (e *SendError) Unwrap() error { return e.Cause }

// Retryable reports whether dispatch should retry the send.
func (e *SendError) Retryable() bool {
	return e.Kind == SendErrTransport
}

// NewSendError builds a classified send error.
func NewSendError(kind SendErrorKind, reason string, cause error) *SendError {
	return &SendError{Kind: kind, Reason: reason, Cause: cause}
}

// AsSendError extracts a SendError from an error chain. Unclassified
// errors are wrapped as transport failures, the retryable default.
func AsSendError(err error) *SendError {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}
	return &SendError{Kind: SendErrTransport, Reason: err.Error(), Cause: err}
}
