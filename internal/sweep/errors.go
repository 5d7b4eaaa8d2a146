package sweep

import (
	"errors"
	"fmt"
)

var (
	ErrBaseNotObject   = errors.New("sweep: base document must be a JSON object")
	ErrEmptyPath       = errors.New("sweep: empty field path")
	ErrInvalidPath     = errors.New("sweep: malformed field path")
	ErrPathConflict    = errors.New("sweep: path crosses a non-object value")
	ErrNonNumeric      = errors.New("sweep: axis values must be numeric")
	ErrDuplicateAxis   = errors.New("sweep: duplicate axis id")
	ErrTooManyVariants = errors.New("sweep: plan exceeds variant limit")
	ErrInvalidValues   = errors.New("sweep: invalid value expression")
)

// PlanError is returned for anything wrong with a sweep definition. Plans that
// fail here never reach the queue.
type PlanError struct {
	Axis int // -1 when the error is not tied to a single axis
	Path string
	Err  error
}

func (e *PlanError) Error() string {
	if e.Axis < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("axis %d (%q): %v", e.Axis, e.Path, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

func planErr(axis int, path string, err error) *PlanError {
	return &PlanError{Axis: axis, Path: path, Err: err}
}
