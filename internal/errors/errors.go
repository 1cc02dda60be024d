// Package errors wraps failures from the readout data path and run control
// with a component, a category and structured context. Categories drive the
// HTTP status of API responses, the log level of data path warnings and the
// telemetry priority of reported errors.
//
// The package also passes through the standard library helpers, so callers
// import it in place of the standard errors package.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors by what went wrong.
type ErrorCategory string

// CategorizedError is implemented by errors that carry their own category.
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategorySystem        ErrorCategory = "system-resource"
	CategoryDatabase      ErrorCategory = "database"
	CategoryNetwork       ErrorCategory = "network"
	CategoryGeneric       ErrorCategory = "generic"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryState         ErrorCategory = "state"
	CategoryLimit         ErrorCategory = "limit"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryCancellation  ErrorCategory = "cancellation"

	// Readout data path categories
	CategoryAllocation   ErrorCategory = "allocation"      // Partition storage could not be obtained
	CategoryOverflow     ErrorCategory = "buffer-overflow" // Fill routine wrote past node capacity
	CategoryLinkage      ErrorCategory = "linkage"         // Double release or corrupt list linkage
	CategoryHardware     ErrorCategory = "hardware-read"   // Hardware read failure during fill
	CategoryDrainTimeout ErrorCategory = "drain-timeout"   // Data still pending when end drain timed out
	CategoryTransport    ErrorCategory = "transport"       // Consumer could not hand an event onward
)

// Telemetry priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when Build is called without a component.
const ComponentUnknown = "unknown"

// hasActiveReporting avoids the reporter lock on the data path when no
// reporter is installed.
var hasActiveReporting atomic.Bool

// EnhancedError is an error tagged with the component that raised it.
type EnhancedError struct {
	Err       error
	component string
	Category  ErrorCategory
	Priority  string         // overrides the category priority when set
	Context   map[string]any // channel, run id, operation and similar
	Timestamp time.Time
	reported  bool
	mu        sync.RWMutex
}

func (ee *EnhancedError) Error() string {
	if ee.Err == nil {
		return fmt.Sprintf("%s: %s", ee.component, ee.Category)
	}
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is implements error type checking. Two enhanced errors match when their
// categories match, so package sentinels built with the builder work with Is.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category && (ee2.component == "" || ee2.component == ComponentUnknown || ee.component == ee2.component)
	}
	if ee.Err == nil {
		return false
	}
	return Is(ee.Err, target)
}

func (ee *EnhancedError) ErrorCategory() ErrorCategory {
	return ee.Category
}

// GetComponent returns the component that raised the error.
func (ee *EnhancedError) GetComponent() string {
	return ee.component
}

// GetCategory returns the category as a string, for logs and tags.
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetPriority returns the priority override, or an empty string.
func (ee *EnhancedError) GetPriority() string {
	return ee.Priority
}

// GetContext returns a copy of the context map.
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}

	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

func (ee *EnhancedError) GetTimestamp() time.Time {
	return ee.Timestamp
}

// MarkReported records that the error was sent to telemetry.
func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.reported = true
}

func (ee *EnhancedError) IsReported() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.reported
}

// ErrorBuilder assembles an EnhancedError:
//
//	errors.New(err).Component("readout").Category(errors.CategoryLinkage).Context("channel", name).Build()
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts an error that wraps err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts an error from a format string.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority overrides the category priority. Unknown values become medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	default:
		if priority != "" {
			eb.priority = PriorityMedium
		}
	}
	return eb
}

// Context adds a key/value pair.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing records the operation and how long it took.
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	eb.Context("duration_ms", duration.Milliseconds())
	return eb
}

// Build returns the error and reports it when a telemetry reporter is active.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.component == "" {
		ee.component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = detectCategory(eb.err)
	}

	if hasActiveReporting.Load() {
		reportToTelemetry(ee)
	}

	return ee
}

// detectCategory takes the category of the first categorized error in the chain.
func detectCategory(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	var catErr CategorizedError
	if stderrors.As(err, &catErr) && catErr.ErrorCategory() != "" {
		return catErr.ErrorCategory()
	}
	return CategoryGeneric
}

// NewStd returns a plain error, for sentinels that need no metadata.
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is calls the standard library errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As calls the standard library errors.As.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join calls the standard library errors.Join.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory reports whether err wraps an EnhancedError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
