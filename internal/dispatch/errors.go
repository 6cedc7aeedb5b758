package dispatch

import (
	"fmt"
	"strings"
)

// CodeLoadError reports source that cannot be parsed or whose top level fails.
type CodeLoadError struct {
	Language string
	Err      error
}

func (e *CodeLoadError) Error() string {
	return fmt.Sprintf("load %s code: %v", e.Language, e.Err)
}

func (e *CodeLoadError) Unwrap() error { return e.Err }

// EntryPointNotFoundError reports that no unambiguous entry function exists.
type EntryPointNotFoundError struct {
	Name       string
	Candidates []string
}

func (e *EntryPointNotFoundError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("entry point %q not found or not a one-argument function (candidates: %s)", e.Name, candidateList(e.Candidates))
	case len(e.Candidates) == 0:
		return "no one-argument function found in code"
	default:
		return fmt.Sprintf("ambiguous entry point, name one of: %s", candidateList(e.Candidates))
	}
}

func candidateList(c []string) string {
	if len(c) == 0 {
		return "none"
	}
	return strings.Join(c, ", ")
}

// UserCodeError wraps a failure raised while the user function ran. Traceback
// is the interpreter backtrace, or the Go stack for a recovered panic.
type UserCodeError struct {
	Message   string
	Traceback string
	Err       error
}

func (e *UserCodeError) Error() string {
	return "user code failed: " + e.Message
}

func (e *UserCodeError) Unwrap() error { return e.Err }

func userError(err error, traceback string) *UserCodeError {
	return &UserCodeError{Message: err.Error(), Traceback: traceback, Err: err}
}
