package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConversion ErrorType = "conversion"
	ErrorTypeRasterize  ErrorType = "rasterize"
	ErrorTypeAnalysis   ErrorType = "analysis"
	ErrorTypeCleaning   ErrorType = "cleaning"
	ErrorTypeCapability ErrorType = "capability"
	ErrorTypeAssembly   ErrorType = "assembly"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// NoPage marks an error that is not tied to a single page.
const NoPage = -1

var (
	ErrNoPagesSelected    = errors.New("no valid pages selected")
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidTransition  = errors.New("invalid job state transition")
	ErrCapabilityDisabled = errors.New("capability disabled")
	ErrUnusableImage      = errors.New("unusable image")
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Page    int // 0-based, NoPage when job-wide
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Message
	if e.Page != NoPage {
		msg = fmt.Sprintf("page %d: %s", e.Page+1, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Page:    NoPage,
		Err:     err,
	}
}

// NewPageError creates a domain error scoped to a single page
func NewPageError(errType ErrorType, page int, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Page:    page,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConversionError(message string, err error) *DomainError {
	return NewError(ErrorTypeConversion, message, err)
}

func RasterizeError(page int, message string, err error) *DomainError {
	return NewPageError(ErrorTypeRasterize, page, message, err)
}

func AnalysisError(page int, message string, err error) *DomainError {
	return NewPageError(ErrorTypeAnalysis, page, message, err)
}

func CleaningError(page int, message string, err error) *DomainError {
	return NewPageError(ErrorTypeCleaning, page, message, err)
}

func CapabilityError(message string, err error) *DomainError {
	return NewError(ErrorTypeCapability, message, err)
}

func AssemblyError(message string, err error) *DomainError {
	return NewError(ErrorTypeAssembly, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func TimeoutError(page int, message string, err error) *DomainError {
	return NewPageError(ErrorTypeTimeout, page, message, err)
}

// ErrorTypeOf returns the type of the first DomainError in err's chain,
// or the empty string.
func ErrorTypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsFatal reports whether err must fail the whole job rather than a page.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoPagesSelected) {
		return true
	}
	switch ErrorTypeOf(err) {
	case ErrorTypeValidation, ErrorTypeConversion, ErrorTypeConfig:
		return true
	default:
		return false
	}
}
