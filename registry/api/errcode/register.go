package errcode

import (
	"fmt"
	"net/http"
	"sync"
)

// The descriptor tables are populated at init time through Register and
// read-only afterwards, so lookups need no locking.
var (
	errorCodeToDescriptors = map[ErrorCode]ErrorDescriptor{}
	idToDescriptors        = map[string]ErrorDescriptor{}
)

var (
	// ErrorCodeUnknown is the fallback for errors that map to no other
	// code. Handlers should prefer a specific code whenever one exists.
	ErrorCodeUnknown = Register(ErrorDescriptor{
		Value:          "UNKNOWN",
		Message:        "unknown error",
		Description:    `The error has no API classification.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeUnsupported is returned when an operation is not supported.
	ErrorCodeUnsupported = Register(ErrorDescriptor{
		Value:   "UNSUPPORTED",
		Message: "The operation is unsupported.",
		Description: `The registry does not implement the requested
			operation, or it was disabled by configuration.`,
		HTTPStatusCode: http.StatusMethodNotAllowed,
	})

	// ErrorCodeUnauthorized is returned when a request lacks valid
	// credentials.
	ErrorCodeUnauthorized = Register(ErrorDescriptor{
		Value:   "UNAUTHORIZED",
		Message: "authentication required",
		Description: `The client did not authenticate. A
			Www-Authenticate header on the response describes how to
			obtain credentials.`,
		HTTPStatusCode: http.StatusUnauthorized,
	})

	// ErrorCodeDenied is returned when authenticated credentials do not
	// grant the requested access.
	ErrorCodeDenied = Register(ErrorDescriptor{
		Value:   "DENIED",
		Message: "requested access to the resource is denied",
		Description: `The client holds no grant for the requested
			action on the resource.`,
		HTTPStatusCode: http.StatusForbidden,
	})

	// ErrorCodeUnavailable is returned when the registry cannot serve the
	// request, such as during read-only maintenance.
	ErrorCodeUnavailable = Register(ErrorDescriptor{
		Value:          "UNAVAILABLE",
		Message:        "service unavailable",
		Description:    `The registry is temporarily unable to serve the request.`,
		HTTPStatusCode: http.StatusServiceUnavailable,
	})

	// ErrorCodeTooManyRequests is returned when the client exceeds a rate
	// limit.
	ErrorCodeTooManyRequests = Register(ErrorDescriptor{
		Value:          "TOOMANYREQUESTS",
		Message:        "too many requests",
		Description:    `The client has issued more requests than permitted.`,
		HTTPStatusCode: http.StatusTooManyRequests,
	})
)

var (
	registerMu sync.Mutex
	nextCode   = 1000
)

// Register assigns the next free ErrorCode to descriptor and records it
// for lookup by code and by value. It panics on a duplicate value, which
// indicates two packages registering the same identifier.
func Register(descriptor ErrorDescriptor) ErrorCode {
	registerMu.Lock()
	defer registerMu.Unlock()

	if _, ok := idToDescriptors[descriptor.Value]; ok {
		panic(fmt.Sprintf("errcode: %q already registered", descriptor.Value))
	}

	descriptor.Code = ErrorCode(nextCode)
	nextCode++

	errorCodeToDescriptors[descriptor.Code] = descriptor
	idToDescriptors[descriptor.Value] = descriptor

	return descriptor.Code
}
