package insteon

import (
	"bytes"
	"fmt"
)

// BufError is returned when a buffer is not large enough to
// decode the expected structure
type BufError struct {
	Cause error
	Need  int
	Got   int
}

func newBufError(cause error, need, got int) error {
	return &BufError{Cause: cause, Need: need, Got: got}
}

func (be *BufError) Error() string {
	if be.Cause == nil {
		return fmt.Sprintf("need %d bytes got %d", be.Need, be.Got)
	}
	return fmt.Sprintf("%v: need %d bytes got %d", be.Cause, be.Need, be.Got)
}

// Unwrap returns the underlying cause so errors.Is works
func (be *BufError) Unwrap() error { return be.Cause }

// AggregateError collects several errors into one
type AggregateError struct {
	Errors []error
}

// NewAggregateError returns an empty AggregateError
func NewAggregateError() *AggregateError {
	return &AggregateError{}
}

// Len is the number of collected errors
func (ae *AggregateError) Len() int {
	return len(ae.Errors)
}

// Append adds err to the list, nil errors are ignored
func (ae *AggregateError) Append(err error) {
	if err != nil {
		ae.Errors = append(ae.Errors, err)
	}
}

// ErrorOrNil returns nil when nothing was collected
func (ae *AggregateError) ErrorOrNil() error {
	if ae.Len() == 0 {
		return nil
	}
	return ae
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (ae *AggregateError) Unwrap() []error { return ae.Errors }

func (ae *AggregateError) Error() string {
	var buf bytes.Buffer
	for i, err := range ae.Errors {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(err.Error())
	}
	return buf.String()
}
