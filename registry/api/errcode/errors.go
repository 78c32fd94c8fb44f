package errcode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorCoder is implemented by ErrorCode and Error, exposing the
// underlying code regardless of which form an error travels in.
type ErrorCoder interface {
	ErrorCode() ErrorCode
}

// ErrorCode identifies a registered error condition. Codes serialize by
// their string identifier; the integer value is an implementation detail
// and must never leave the process.
type ErrorCode int

var _ error = ErrorCode(0)

// ErrorCode returns the code itself, satisfying ErrorCoder.
func (ec ErrorCode) ErrorCode() ErrorCode {
	return ec
}

func (ec ErrorCode) Error() string {
	// The message may carry unsubstituted format verbs, so derive the
	// text from the identifier instead.
	return strings.ToLower(strings.ReplaceAll(ec.String(), "_", " "))
}

// Descriptor returns the descriptor for the error code.
func (ec ErrorCode) Descriptor() ErrorDescriptor {
	d, ok := errorCodeToDescriptors[ec]

	if !ok {
		return ErrorCodeUnknown.Descriptor()
	}

	return d
}

// String returns the canonical identifier for this error code.
func (ec ErrorCode) String() string {
	return ec.Descriptor().Value
}

// Message returns the human-readable message for this error code.
func (ec ErrorCode) Message() string {
	return ec.Descriptor().Message
}

// MarshalText writes the code as its string identifier.
func (ec ErrorCode) MarshalText() (text []byte, err error) {
	return []byte(ec.String()), nil
}

// UnmarshalText resolves a string identifier back to its code. Unknown
// identifiers map to ErrorCodeUnknown rather than failing.
func (ec *ErrorCode) UnmarshalText(text []byte) error {
	desc, ok := idToDescriptors[string(text)]

	if !ok {
		desc = ErrorCodeUnknown.Descriptor()
	}

	*ec = desc.Code

	return nil
}

// WithMessage returns an Error for this code with the message replaced.
func (ec ErrorCode) WithMessage(message string) Error {
	return Error{
		Code:    ec,
		Message: message,
	}
}

// WithDetail returns an Error for this code carrying the given detail.
func (ec ErrorCode) WithDetail(detail interface{}) Error {
	return Error{
		Code:    ec,
		Message: ec.Message(),
	}.WithDetail(detail)
}

// WithArgs returns an Error for this code with the message format verbs
// substituted.
func (ec ErrorCode) WithArgs(args ...interface{}) Error {
	return Error{
		Code:    ec,
		Message: ec.Message(),
	}.WithArgs(args...)
}

// Error pairs an ErrorCode with a concrete message and optional detail
// payload for the response body.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

var _ error = Error{}

// ErrorCode returns the code of this error.
func (e Error) ErrorCode() ErrorCode {
	return e.Code
}

// Error returns a human readable representation of the error.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code.Error(), e.Message)
}

// WithDetail returns a copy of the error with the detail replaced.
func (e Error) WithDetail(detail interface{}) Error {
	return Error{
		Code:    e.Code,
		Message: e.Message,
		Detail:  detail,
	}
}

// WithArgs returns a copy of the error with the code's message format
// verbs substituted by args.
func (e Error) WithArgs(args ...interface{}) Error {
	return Error{
		Code:    e.Code,
		Message: fmt.Sprintf(e.Code.Message(), args...),
		Detail:  e.Detail,
	}
}

// ErrorDescriptor defines a registered error condition.
type ErrorDescriptor struct {
	// Code is the error code that this descriptor describes.
	Code ErrorCode

	// Value is the unique string identifier for the code, upper case
	// with underscores. It is the form clients see on the wire.
	Value string

	// Message is the short human-readable text included in responses.
	// It may contain format verbs to be filled by WithArgs.
	Message string

	// Description explains when the condition arises, for documentation.
	Description string

	// HTTPStatusCode is the status set on responses led by this code.
	HTTPStatusCode int
}

// ParseErrorCode resolves a string identifier to its code, returning
// ErrorCodeUnknown for identifiers that were never registered.
func ParseErrorCode(value string) ErrorCode {
	ed, ok := idToDescriptors[value]
	if ok {
		return ed.Code
	}

	return ErrorCodeUnknown
}

// Errors collects the errors of a request into the JSON envelope the API
// responds with. Elements are ErrorCode or Error values; anything else is
// folded into ErrorCodeUnknown at marshal time.
type Errors []error

var _ error = Errors{}

func (errs Errors) Error() string {
	switch len(errs) {
	case 0:
		return "<nil>"
	case 1:
		return errs[0].Error()
	default:
		msg := "errors:\n"
		for _, err := range errs {
			msg += err.Error() + "\n"
		}
		return msg
	}
}

// Len returns the current number of errors.
func (errs Errors) Len() int {
	return len(errs)
}

func (errs Errors) MarshalJSON() ([]byte, error) {
	var envelope struct {
		Errors []Error `json:"errors,omitempty"`
	}

	for _, e := range errs {
		var err Error

		switch e := e.(type) {
		case ErrorCode:
			err = e.WithDetail(nil)
		case Error:
			err = e
		default:
			err = ErrorCodeUnknown.WithDetail(e)
		}

		// An Error built without a message falls back to the code's.
		msg := err.Message
		if msg == "" {
			msg = err.Code.Message()
		}

		envelope.Errors = append(envelope.Errors, Error{
			Code:    err.Code,
			Message: msg,
			Detail:  err.Detail,
		})
	}

	return json.Marshal(envelope)
}

func (errs *Errors) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Errors []Error
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	var parsed Errors
	for _, e := range envelope.Errors {
		// An element with no detail and the code's own message carries
		// no information beyond the code, so collapse it back.
		if e.Detail == nil && (e.Message == "" || e.Message == e.Code.Message()) {
			parsed = append(parsed, e.Code)
		} else {
			parsed = append(parsed, Error{
				Code:    e.Code,
				Message: e.Message,
				Detail:  e.Detail,
			})
		}
	}

	*errs = parsed
	return nil
}
