// Package ferr defines the broker's typed errors, one per recognized error kind.
// Modeled on aistore's cmn/cos error types: small structs carrying enough
// context to format a message, plus an Is* predicate for callers that only
// need to branch on kind. Every error also exposes a numeric Code so it can
// cross the wire as a response's errnum.
package ferr

import "fmt"

// Error codes. These are the numbers that travel in a response message's
// errnum field; two fixed values (61, 35) are pinned by end-to-end tests.
const (
	CodeProtocolViolation = 71
	CodeHostUnreachable   = 113
	CodePermissionDenied  = 13
	CodeDeadlock          = 35
	CodeReadOnly          = 30
	CodeNoData            = 61
	CodeNoSuchService     = 38
	CodeCertPermission    = 1
)

// Error is the common shape: a stable code plus a free-form string, matching the
// "every error returned to the caller carries a numeric code and an optional
// free-form string".
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("error %d", e.Code)
	}
	return e.Msg
}

func new(code int, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func ProtocolViolation(format string, args ...any) *Error {
	return new(CodeProtocolViolation, format, args...)
}

func HostUnreachable(format string, args ...any) *Error {
	return new(CodeHostUnreachable, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return new(CodePermissionDenied, format, args...)
}

func Deadlock(format string, args ...any) *Error {
	return new(CodeDeadlock, format, args...)
}

func ReadOnly(format string, args ...any) *Error {
	return new(CodeReadOnly, format, args...)
}

func NoData(format string, args ...any) *Error {
	return new(CodeNoData, format, args...)
}

func NoSuchService(format string, args ...any) *Error {
	return new(CodeNoSuchService, format, args...)
}

func CertPermission(format string, args ...any) *Error {
	return new(CodeCertPermission, format, args...)
}

func Is(err error, code int) bool {
	fe, ok := err.(*Error)
	return ok && fe.Code == code
}
