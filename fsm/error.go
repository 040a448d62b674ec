package fsm

import "fmt"

type FsmError struct {
	message string
}

func (e *FsmError) Error() string {
	return e.message
}

func NewErr(message string) *FsmError {
	return &FsmError{message: message}
}

func NewErrf(format string, values ...interface{}) *FsmError {
	if len(values) == 0 {
		return &FsmError{message: format}
	}
	return &FsmError{message: fmt.Sprintf(format, values...)}
}
