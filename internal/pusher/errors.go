package pusher

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a protocol level failure carrying the numeric code clients see
// and the class of the failure.
type Error struct {
	Code    int    `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("channel %s: %s (code: %d)", e.Channel, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithChannel scopes the error to a channel.
func (e *Error) WithChannel(channel string) *Error {
	e.Channel = channel
	return e
}

// Frame renders the error as the pusher:error frame a socket receives.
func (e *Error) Frame() *Message {
	msg := ErrorMessage(e.Code, e.Message)
	msg.Channel = e.Channel

	return msg
}

// Wrap prefixes err with message. Protocol errors keep their code; anything
// else becomes an authorization failure.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Code:    e.Code,
			Type:    e.Type,
			Channel: e.Channel,
			Message: fmt.Sprintf("%s: %s", message, e.Message),
			cause:   e.cause,
		}
	}
	return &Error{
		Code:    CodeUnauthorized,
		Type:    ErrorTypeAuth,
		Message: fmt.Sprintf("%s: %s", message, err),
		cause:   err,
	}
}

func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

func AppNotFound(key string) *Error {
	return &Error{
		Code:    CodeAppNotFound,
		Message: fmt.Sprintf("An app with key %s does not exist.", key),
	}
}

func AppDisabled() *Error {
	return &Error{
		Code:    CodeAppDisabled,
		Message: "The app is not enabled.",
	}
}

func OverQuota() *Error {
	return &Error{
		Code:    CodeOverQuota,
		Type:    ErrorTypeLimitReached,
		Message: "The current concurrent connections quota has been reached.",
	}
}

func Unauthorized(message string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Type:    ErrorTypeAuth,
		Message: message,
	}
}

func ServerClosing() *Error {
	return &Error{
		Code:    CodeServerClosing,
		Message: "Server is closing. Please reconnect shortly.",
	}
}

func ClientEventRejected(message string) *Error {
	return &Error{
		Code:    CodeClientEventFail,
		Type:    ErrorTypeLimitReached,
		Message: message,
	}
}

// MultiError collects independent failures, such as several peers failing
// the same fan-out.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

// Combine returns nil, the single non-nil error, or a MultiError.
func Combine(errs ...error) error {
	var nonNil []error

	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

// AddError appends next to base, growing a MultiError when needed.
func AddError(base, next error) error {
	if base == nil {
		return next
	}
	if next == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, next)

		return me
	}
	return &MultiError{errors: []error{base, next}}
}
