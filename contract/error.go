package contract

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidColumn         ErrorCode = "INVALID_COLUMN"
	NonNumericColumn      ErrorCode = "NON_NUMERIC_COLUMN"
	MissingParameter      ErrorCode = "MISSING_PARAMETER"
	ParameterType         ErrorCode = "PARAMETER_TYPE"
	InvalidParameterValue ErrorCode = "INVALID_PARAMETER_VALUE"
	InvalidLabel          ErrorCode = "INVALID_LABEL"
	NoUpstreamOperator    ErrorCode = "NO_UPSTREAM_OPERATOR"
	UnknownModelFamily    ErrorCode = "UNKNOWN_MODEL_FAMILY"
	AmbiguousUpstream     ErrorCode = "AMBIGUOUS_UPSTREAM"
	ArtifactLoad          ErrorCode = "ARTIFACT_LOAD"
	InvalidInput          ErrorCode = "INVALID_INPUT"
	OperatorNotFound      ErrorCode = "OPERATOR_NOT_FOUND"
	OperatorBusy          ErrorCode = "OPERATOR_BUSY"
	DataSource            ErrorCode = "DATA_SOURCE"
	Execution             ErrorCode = "EXECUTION_ERROR"
)

// Error is the typed failure every component returns. Two errors are the same
// kind when their codes match, so errors.Is(err, ErrMissingParameter) works on
// any wrapped *Error carrying that code.
type Error struct {
	Code    ErrorCode `json:"error_code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewErrorWith(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

func (e *Error) StatusCode() int {
	switch e.Code {
	case InvalidColumn, NonNumericColumn, MissingParameter, ParameterType,
		InvalidParameterValue, InvalidLabel, InvalidInput:
		return http.StatusBadRequest
	case OperatorNotFound, DataSource:
		return http.StatusNotFound
	case OperatorBusy:
		return http.StatusConflict
	case NoUpstreamOperator, UnknownModelFamily, AmbiguousUpstream:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is. They carry no message on purpose: Is matches a
// message-less target by code only.
var (
	ErrInvalidColumn         = &Error{Code: InvalidColumn}
	ErrNonNumericColumn      = &Error{Code: NonNumericColumn}
	ErrMissingParameter      = &Error{Code: MissingParameter}
	ErrParameterType         = &Error{Code: ParameterType}
	ErrInvalidParameterValue = &Error{Code: InvalidParameterValue}
	ErrInvalidLabel          = &Error{Code: InvalidLabel}
	ErrNoUpstreamOperator    = &Error{Code: NoUpstreamOperator}
	ErrUnknownModelFamily    = &Error{Code: UnknownModelFamily}
	ErrAmbiguousUpstream     = &Error{Code: AmbiguousUpstream}
	ErrArtifactLoad          = &Error{Code: ArtifactLoad}
	ErrInvalidInput          = &Error{Code: InvalidInput}
	ErrOperatorNotFound      = &Error{Code: OperatorNotFound}
	ErrOperatorBusy          = &Error{Code: OperatorBusy}
	ErrDataSource            = &Error{Code: DataSource}
	ErrExecution             = &Error{Code: Execution}
)

// AsError returns err as a contract error, wrapping anything foreign as an
// execution error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewErrorWith(Execution, "unexpected failure", err)
}
