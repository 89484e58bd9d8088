package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies failures of unit and manager operations
type ErrorType string

const (
	ErrorTypeConfig            ErrorType = "config"
	ErrorTypeDuplicateUnitName ErrorType = "duplicate_unit_name"
	ErrorTypeInvalidDefinition ErrorType = "invalid_definition"
	ErrorTypeUnitNotFound      ErrorType = "unit_not_found"
	ErrorTypeNotLoaded         ErrorType = "not_loaded"
	ErrorTypeSpawn             ErrorType = "spawn"
	ErrorTypeStop              ErrorType = "stop"
	ErrorTypeUnitBusy          ErrorType = "unit_busy"

	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"
)

// UnitKey is the context key every unit-scoped error carries
const UnitKey = "unit"

var knownTypes = map[ErrorType]struct{}{
	ErrorTypeConfig:            {},
	ErrorTypeDuplicateUnitName: {},
	ErrorTypeInvalidDefinition: {},
	ErrorTypeUnitNotFound:      {},
	ErrorTypeNotLoaded:         {},
	ErrorTypeSpawn:             {},
	ErrorTypeStop:              {},
	ErrorTypeUnitBusy:          {},
	ErrorTypeValidation:        {},
	ErrorTypeIO:                {},
	ErrorTypeTimeout:           {},
	ErrorTypeInternal:          {},
	ErrorTypeCancelled:         {},
}

// Sentinels for errors.Is; matching is by type only
var (
	ErrConfig            = &DomainError{Type: ErrorTypeConfig}
	ErrDuplicateUnitName = &DomainError{Type: ErrorTypeDuplicateUnitName}
	ErrInvalidDefinition = &DomainError{Type: ErrorTypeInvalidDefinition}
	ErrUnitNotFound      = &DomainError{Type: ErrorTypeUnitNotFound}
	ErrNotLoaded         = &DomainError{Type: ErrorTypeNotLoaded}
	ErrSpawn             = &DomainError{Type: ErrorTypeSpawn}
	ErrStop              = &DomainError{Type: ErrorTypeStop}
	ErrUnitBusy          = &DomainError{Type: ErrorTypeUnitBusy}
	ErrCancelled         = &DomainError{Type: ErrorTypeCancelled}
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUnit tags the error with the unit it belongs to
func (e *DomainError) WithUnit(name string) *DomainError {
	return e.WithContext(UnitKey, name)
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Configuration errors
func NewConfigError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfig, message, cause)
}

func NewDuplicateUnitNameError(name string) *DomainError {
	return NewDomainError(ErrorTypeDuplicateUnitName, "duplicate unit name '"+name+"'", nil).WithUnit(name)
}

func NewInvalidDefinitionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInvalidDefinition, message, cause)
}

// Lifecycle errors
func NewUnitNotFoundError(name string) *DomainError {
	return NewDomainError(ErrorTypeUnitNotFound, "unit '"+name+"' not found", nil).WithUnit(name)
}

func NewNotLoadedError(name string) *DomainError {
	return NewDomainError(ErrorTypeNotLoaded, "unit '"+name+"' is not loaded", nil).WithUnit(name)
}

func NewSpawnError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeSpawn, message, cause)
}

func NewStopError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStop, message, cause)
}

func NewUnitBusyError(name string) *DomainError {
	return NewDomainError(ErrorTypeUnitBusy, "unit '"+name+"' is running", nil).WithUnit(name)
}

// System errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// TypeOf returns the type of the outermost DomainError in the chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// UnitName returns the unit name recorded on the outermost DomainError in the chain
func UnitName(err error) string {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return ""
	}
	name, _ := domainErr.Context[UnitKey].(string)
	return name
}

// ParseError rebuilds a DomainError from its Error() text, as carried over the control API.
// Unknown prefixes become internal errors.
func ParseError(text string) *DomainError {
	prefix, rest, found := strings.Cut(text, ": ")
	if !found {
		return NewInternalError(text, nil)
	}
	errorType := ErrorType(prefix)
	if _, ok := knownTypes[errorType]; !ok {
		return NewInternalError(text, nil)
	}
	return NewDomainError(errorType, rest, nil)
}

func IsConfigError(err error) bool {
	return TypeOf(err) == ErrorTypeConfig
}

func IsDuplicateUnitNameError(err error) bool {
	return TypeOf(err) == ErrorTypeDuplicateUnitName
}

func IsInvalidDefinitionError(err error) bool {
	return TypeOf(err) == ErrorTypeInvalidDefinition
}

func IsUnitNotFoundError(err error) bool {
	return TypeOf(err) == ErrorTypeUnitNotFound
}

func IsNotLoadedError(err error) bool {
	return TypeOf(err) == ErrorTypeNotLoaded
}

func IsSpawnError(err error) bool {
	return TypeOf(err) == ErrorTypeSpawn
}

func IsStopError(err error) bool {
	return TypeOf(err) == ErrorTypeStop
}

func IsUnitBusyError(err error) bool {
	return TypeOf(err) == ErrorTypeUnitBusy
}

func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

func IsCancelledError(err error) bool {
	return TypeOf(err) == ErrorTypeCancelled
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
