package scan

import "errors"

var (
	// ErrUnsupportedOperation is returned when an operation is not defined
	// for a value kind or scan pass: the fixed size of a variable-width kind,
	// or a compare kind that is illegal on the current pass.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTypeMismatch is returned when an operand does not have the value
	// kind of the scan, or the operand count does not fit the compare kind.
	ErrTypeMismatch = errors.New("type mismatch")
)
