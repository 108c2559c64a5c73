// Package errors provides the error taxonomy for bondfit.
//
// Every failure that aborts a fit is an *Error carrying a Kind, so callers
// can tell a malformed topology apart from a reference source that disagrees
// with it, or from a potential that evaluated to a non-finite value.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error by the invariant it violates.
type Kind string

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = ""
	// KindTopology marks a malformed or empty bonded-pair set, or a query
	// for a pair that is not bonded.
	KindTopology Kind = "topology"
	// KindConsistency marks a reference parameter source that does not
	// cover exactly the bonds of the topology.
	KindConsistency Kind = "consistency"
	// KindNumerical marks a non-finite energy, force or loss at a point
	// that must be finite.
	KindNumerical Kind = "numerical"
	// KindInput marks malformed data handed over by an external source.
	KindInput Kind = "input"
	// KindNotFound marks a molecule or job that does not exist.
	KindNotFound Kind = "not_found"
)

// Error represents an error with context and stack trace.
type Error struct {
	// Kind is the invariant class of the failure.
	Kind Kind
	// The underlying error, if any
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// Molecule is the identifier of the molecule being fit, when known.
	Molecule string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	if e.Kind != KindUnknown {
		b.WriteString(string(e.Kind))
		b.WriteString(" error")
	}

	if e.Molecule != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("[molecule=")
		b.WriteString(e.Molecule)
		b.WriteString("]")
	}

	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}

	if e.Operation != "" || e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(" (")
		}
		parts := make([]string, 0, 2)
		if e.Component != "" {
			parts = append(parts, "component="+e.Component)
		}
		if e.Operation != "" {
			parts = append(parts, "operation="+e.Operation)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}

	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage sets the message of the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithMolecule records the molecule the failing fit was working on.
func (e *Error) WithMolecule(id string) *Error {
	e.Molecule = id
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Topology creates a KindTopology error.
func Topology(format string, args ...interface{}) *Error {
	return newKind(KindTopology, format, args...)
}

// Consistency creates a KindConsistency error.
func Consistency(format string, args ...interface{}) *Error {
	return newKind(KindConsistency, format, args...)
}

// Numerical creates a KindNumerical error.
func Numerical(format string, args ...interface{}) *Error {
	return newKind(KindNumerical, format, args...)
}

// Input creates a KindInput error.
func Input(format string, args ...interface{}) *Error {
	return newKind(KindInput, format, args...)
}

// NotFound creates a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return newKind(KindNotFound, format, args...)
}

func newKind(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps an error with additional context. A nil err yields nil.
//
// The Kind and Molecule of a wrapped *Error are carried over so the outer
// error still reports which invariant failed.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}

	e := &Error{
		Err:     err,
		Message: msg,
		Stack:   getStackTrace(),
	}
	var inner *Error
	if stderrors.As(err, &inner) {
		e.Kind = inner.Kind
		e.Molecule = inner.Molecule
		e.Stack = inner.Stack
	}
	return e
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // skip runtime.Callers, getStackTrace and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
