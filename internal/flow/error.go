package flow

import (
	"errors"
	"fmt"
)

// Kind classifies why a step or job failed.
type Kind string

const (
	// KindConfiguration covers missing step configuration and illegal step
	// sequences. Never retryable.
	KindConfiguration Kind = "configuration"
	// KindHandlerNotFound means a step names a handler slug nobody registered.
	KindHandlerNotFound Kind = "handler_not_found"
	// KindHandlerExecution means the handler's tool ran and failed.
	KindHandlerExecution Kind = "handler_execution"
	// KindDataValidation means a packet could not be built from handler output.
	KindDataValidation Kind = "data_validation"
	// KindTimeout means the job outlived its deadline.
	KindTimeout Kind = "timeout"
)

// Error is the error type every step and job failure is reported as.
type Error struct {
	Kind    Kind   `json:"kind"`
	StepID  string `json:"flow_step_id,omitempty"`
	Handler string `json:"handler,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StepID != "" {
		return fmt.Sprintf("%s: %s (step: %s)", e.Kind, msg, e.StepID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, stepID, format string, args ...any) *Error {
	return &Error{Kind: kind, StepID: stepID, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. The message is taken from err.
func Wrap(kind Kind, stepID, handler string, err error) *Error {
	return &Error{Kind: kind, StepID: stepID, Handler: handler, Message: err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
