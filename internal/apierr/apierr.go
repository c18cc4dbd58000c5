// Package apierr defines the error taxonomy shared by the REST and WebSocket
// edges. Domain packages never import this package; they return plain
// sentinel errors and a single mapping function per package translates them
// at the boundary, mirroring the teacher's per-handler mapXError shape.
package apierr

// Code enumerates the canonical error kinds. Values are stable wire strings.
type Code string

const (
	CodeValidation         Code = "validation"
	CodeUnauthorized       Code = "unauthorized"
	CodeSessionCompromised Code = "session_compromised"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeRateLimited        Code = "rate_limited"
	CodePayloadTooLarge    Code = "payload_too_large"
	CodeInternal           Code = "internal"
	CodeSessionNotFound    Code = "session_not_found"
	CodeSessionCorrupted   Code = "session_corrupted"
	CodeIdentityMissing    Code = "identity_not_initialized"
)

// statusByCode holds the HTTP status associated with each Code.
var statusByCode = map[Code]int{
	CodeValidation:         400,
	CodeUnauthorized:       401,
	CodeSessionCompromised: 401,
	CodeForbidden:          403,
	CodeNotFound:           404,
	CodeConflict:           409,
	CodeRateLimited:        429,
	CodePayloadTooLarge:    413,
	CodeInternal:           500,
	CodeSessionNotFound:    409,
	CodeSessionCorrupted:   409,
	CodeIdentityMissing:    409,
}

// Error is the taxonomy-tagged error returned at every HTTP and WebSocket
// boundary. Err, when set, is the underlying cause kept for logging only —
// it is never serialized.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code associated with e.Code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return 500
}

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying err as the logged cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Internal wraps err as an unclassified 500, the propagation policy's
// default for relational-store and key-store driver failures.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
