package snapshot

import (
	"errors"
	"fmt"
)

// ErrorCode classifies snapshot failures.
type ErrorCode string

const (
	// ErrCodeAuth means the passphrase did not open the archive.
	ErrCodeAuth ErrorCode = "AUTH"

	// ErrCodeIO covers filesystem and database failures.
	ErrCodeIO ErrorCode = "IO"

	// ErrCodeSerialization covers encoding, compression, encryption and
	// archive validation failures.
	ErrCodeSerialization ErrorCode = "SERIALIZATION"
)

// Error is a snapshot failure. Op names the step that failed.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("snapshot %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsAuth reports whether err is a wrong-passphrase failure.
func IsAuth(err error) bool { return CodeOf(err) == ErrCodeAuth }

// IsIO reports whether err is a filesystem or database failure.
func IsIO(err error) bool { return CodeOf(err) == ErrCodeIO }

// IsSerialization reports whether err is an archive format failure.
func IsSerialization(err error) bool { return CodeOf(err) == ErrCodeSerialization }
