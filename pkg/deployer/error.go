package deployer

import (
	"fmt"
)

type ExitCode int

// Exit codes are part of the CI contract; append only.
const (
	ExitSuccess ExitCode = iota
	ExitInvocationFailure
	ExitConfigError
	ExitAuthError
	ExitArchiveError
	ExitUploadError
	ExitTimeout
	ExitInternalError
)

type Error struct {
	Code ExitCode
	Err  error
}

func (err *Error) Error() string {
	return err.Err.Error()
}

func (err *Error) Unwrap() error {
	return err.Err
}

func Errorf(exitCode ExitCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: exitCode,
		Err:  fmt.Errorf(format, args...),
	}
}

func ErrorWrap(exitCode ExitCode, err error) *Error {
	return &Error{
		Code: exitCode,
		Err:  err,
	}
}

func ErrorExitCode(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	e, ok := err.(*Error)
	if !ok {
		return ExitInternalError
	}
	return e.Code
}
