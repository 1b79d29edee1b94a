package services

import "errors"

type ErrorCode string

const (
	ErrorInvalid           ErrorCode = "invalid"
	ErrorNotFound          ErrorCode = "not_found"
	ErrorResourceExhausted ErrorCode = "resource_exhausted"
	ErrorStore             ErrorCode = "store"
	ErrorGenerator         ErrorCode = "generator"
)

// ServiceError carries a classification the transport uses to decide
// between retry and dead-lettering.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error  { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }

func NewResourceExhaustedError(msg string, err error) error {
	return &ServiceError{Code: ErrorResourceExhausted, Message: msg, Err: err}
}

func NewStoreError(msg string, err error) error {
	return &ServiceError{Code: ErrorStore, Message: msg, Err: err}
}

// NewGeneratorError classifies a code source failure that is not simple pool
// exhaustion.
func NewGeneratorError(msg string, err error) error {
	return &ServiceError{Code: ErrorGenerator, Message: msg, Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether redelivering the same event may succeed.
func IsRetryable(err error) bool {
	se, ok := AsServiceError(err)
	if !ok {
		return false
	}
	switch se.Code {
	case ErrorResourceExhausted, ErrorStore, ErrorGenerator:
		return true
	}
	return false
}

// wrapStore leaves classified errors alone and tags the rest as store failures.
func wrapStore(msg string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsServiceError(err); ok {
		return err
	}
	return NewStoreError(msg, err)
}
