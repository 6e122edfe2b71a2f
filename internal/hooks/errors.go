package hooks

import "fmt"

// HandlerError identifies the handler that failed an emission
type HandlerError struct {
	Hook  string
	Scope string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("hook %s: handler in scope %q failed: %v", e.Hook, e.Scope, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PanicError is the error recorded for a handler that panicked
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
