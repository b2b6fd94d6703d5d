package expression

import (
	"errors"
	"fmt"
)

// Filter error codes.
const (
	CodeFilterArgument = "filter_argument_error"
	CodeFilterDomain   = "filter_domain_error"
)

// FilterError reports a filter invoked with invalid arguments or a value
// outside its domain. It aborts rendering of the current template.
type FilterError struct {
	Code    string
	Filter  string
	Message string
}

func (e *FilterError) Error() string {
	return e.Message
}

func argErrorf(filter, format string, a ...interface{}) *FilterError {
	return &FilterError{Code: CodeFilterArgument, Filter: filter, Message: fmt.Sprintf(format, a...)}
}

func domainErrorf(filter, format string, a ...interface{}) *FilterError {
	return &FilterError{Code: CodeFilterDomain, Filter: filter, Message: fmt.Sprintf(format, a...)}
}

// UnknownFilterError marks a pipeline stage naming an unregistered filter.
// Render reacts by leaving the region text unchanged.
type UnknownFilterError struct {
	Name string
}

func (e *UnknownFilterError) Error() string {
	return fmt.Sprintf("unknown filter %q", e.Name)
}

func isUnknownFilter(err error) bool {
	var unknown *UnknownFilterError
	return errors.As(err, &unknown)
}
