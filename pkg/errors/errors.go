package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base interface for all application errors
type AppError interface {
	error
	HTTPStatus() int
	Code() string
}

// NotFoundError represents a resource that was not found
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) HTTPStatus() int {
	return http.StatusNotFound
}

func (e *NotFoundError) Code() string {
	return "NOT_FOUND"
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents invalid input
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) HTTPStatus() int {
	return http.StatusBadRequest
}

func (e *ValidationError) Code() string {
	return "VALIDATION_ERROR"
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// PermissionError represents insufficient permissions
type PermissionError struct {
	Action   string
	Resource string
	UserID   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: cannot %s %s", e.Action, e.Resource)
}

func (e *PermissionError) HTTPStatus() int {
	return http.StatusForbidden
}

func (e *PermissionError) Code() string {
	return "PERMISSION_DENIED"
}

// NewPermissionError creates a new PermissionError
func NewPermissionError(action, resource string) *PermissionError {
	return &PermissionError{Action: action, Resource: resource}
}

// UnauthorizedError represents authentication failures
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return "unauthorized"
}

func (e *UnauthorizedError) HTTPStatus() int {
	return http.StatusUnauthorized
}

func (e *UnauthorizedError) Code() string {
	return "UNAUTHORIZED"
}

// NewUnauthorizedError creates a new UnauthorizedError
func NewUnauthorizedError(reason string) *UnauthorizedError {
	return &UnauthorizedError{Reason: reason}
}

// ConflictError represents a conflict with existing data
type ConflictError struct {
	Resource string
	Field    string
	Value    string
}

func (e *ConflictError) Error() string {
	if e.Field != "" && e.Value != "" {
		return fmt.Sprintf("%s already exists with %s='%s'", e.Resource, e.Field, e.Value)
	}
	return fmt.Sprintf("%s already exists", e.Resource)
}

func (e *ConflictError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *ConflictError) Code() string {
	return "CONFLICT"
}

// NewConflictError creates a new ConflictError
func NewConflictError(resource, field, value string) *ConflictError {
	return &ConflictError{Resource: resource, Field: field, Value: value}
}

// InternalError represents unexpected server errors
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s (caused by: %v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

func (e *InternalError) HTTPStatus() int {
	return http.StatusInternalServerError
}

func (e *InternalError) Code() string {
	return "INTERNAL_ERROR"
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// NewInternalError creates a new InternalError
func NewInternalError(message string, cause error) *InternalError {
	return &InternalError{Message: message, Cause: cause}
}

// Helper functions for error checking

// IsNotFound checks if an error is a NotFoundError
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// IsValidation checks if an error is a ValidationError
func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

// IsPermission checks if an error is a PermissionError
func IsPermission(err error) bool {
	var permission *PermissionError
	return errors.As(err, &permission)
}

// IsUnauthorized checks if an error is an UnauthorizedError
func IsUnauthorized(err error) bool {
	var unauthorized *UnauthorizedError
	return errors.As(err, &unauthorized)
}

// IsConflict checks if an error is a ConflictError
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// GetHTTPStatus returns the HTTP status code for an error
// Returns 500 if the error doesn't implement AppError
func GetHTTPStatus(err error) int {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// GetErrorCode returns the error code for an error
// Returns "UNKNOWN_ERROR" if the error doesn't implement AppError
func GetErrorCode(err error) string {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return "UNKNOWN_ERROR"
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ToResponse converts an error to an ErrorResponse
func ToResponse(err error) ErrorResponse {
	return ErrorResponse{
		Code:    GetErrorCode(err),
		Message: err.Error(),
	}
}

// AppendError is returned when an outbox append fails because the enclosing
// transaction is no longer usable. The caller's business operation must abort.
type AppendError struct {
	Topic string
	Cause error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("outbox append failed for topic %q: %v", e.Topic, e.Cause)
}

func (e *AppendError) HTTPStatus() int { return http.StatusInternalServerError }
func (e *AppendError) Code() string    { return "APPEND_ERROR" }
func (e *AppendError) Unwrap() error   { return e.Cause }

func NewAppendError(topic string, cause error) *AppendError {
	return &AppendError{Topic: topic, Cause: cause}
}

// PublishError is returned when a bus adapter rejects a publish. It counts as
// one publish attempt and is retried with backoff until permanent.
type PublishError struct {
	Topic string
	Cause error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to topic %q failed: %v", e.Topic, e.Cause)
}

func (e *PublishError) HTTPStatus() int { return http.StatusBadGateway }
func (e *PublishError) Code() string    { return "PUBLISH_ERROR" }
func (e *PublishError) Unwrap() error   { return e.Cause }

func NewPublishError(topic string, cause error) *PublishError {
	return &PublishError{Topic: topic, Cause: cause}
}

// ConsumerNotFoundError is returned by admin/introspection endpoints when a
// (topic, group) registration does not exist.
type ConsumerNotFoundError struct {
	Topic string
	Group string
}

func (e *ConsumerNotFoundError) Error() string {
	return fmt.Sprintf("no consumer group %q registered on topic %q", e.Group, e.Topic)
}

func (e *ConsumerNotFoundError) HTTPStatus() int { return http.StatusNotFound }
func (e *ConsumerNotFoundError) Code() string    { return "CONSUMER_NOT_FOUND" }

func NewConsumerNotFoundError(topic, group string) *ConsumerNotFoundError {
	return &ConsumerNotFoundError{Topic: topic, Group: group}
}

// EventNotFoundError is returned when an event_id referenced by ack/nack/get
// operations is unknown to the adapter.
type EventNotFoundError struct {
	Topic   string
	EventID string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("event %q not found on topic %q", e.EventID, e.Topic)
}

func (e *EventNotFoundError) HTTPStatus() int { return http.StatusNotFound }
func (e *EventNotFoundError) Code() string    { return "EVENT_NOT_FOUND" }

func NewEventNotFoundError(topic, eventID string) *EventNotFoundError {
	return &EventNotFoundError{Topic: topic, EventID: eventID}
}

// StepExecutionError wraps a process step function's failure. It is retried
// per the step's retry policy before compensation runs.
type StepExecutionError struct {
	StepName string
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepName, e.Cause)
}

func (e *StepExecutionError) HTTPStatus() int { return http.StatusInternalServerError }
func (e *StepExecutionError) Code() string    { return "STEP_EXECUTION_ERROR" }
func (e *StepExecutionError) Unwrap() error   { return e.Cause }

func NewStepExecutionError(stepName string, cause error) *StepExecutionError {
	return &StepExecutionError{StepName: stepName, Cause: cause}
}

// CompensationError records a failed compensation step. It is logged but
// never blocks subsequent compensation steps from running.
type CompensationError struct {
	StepName string
	Cause    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation step %q failed: %v", e.StepName, e.Cause)
}

func (e *CompensationError) HTTPStatus() int { return http.StatusInternalServerError }
func (e *CompensationError) Code() string    { return "COMPENSATION_ERROR" }
func (e *CompensationError) Unwrap() error   { return e.Cause }

func NewCompensationError(stepName string, cause error) *CompensationError {
	return &CompensationError{StepName: stepName, Cause: cause}
}

// TaskOutcomeInvalidError is returned when a human task is completed with an
// outcome that is not in the step's declared outcome set.
type TaskOutcomeInvalidError struct {
	TaskID  string
	Outcome string
	Allowed []string
}

func (e *TaskOutcomeInvalidError) Error() string {
	return fmt.Sprintf("task %q: outcome %q is not one of %v", e.TaskID, e.Outcome, e.Allowed)
}

func (e *TaskOutcomeInvalidError) HTTPStatus() int { return http.StatusBadRequest }
func (e *TaskOutcomeInvalidError) Code() string    { return "TASK_OUTCOME_INVALID" }

func NewTaskOutcomeInvalidError(taskID, outcome string, allowed []string) *TaskOutcomeInvalidError {
	return &TaskOutcomeInvalidError{TaskID: taskID, Outcome: outcome, Allowed: allowed}
}

// MigrationInFlightError is returned when complete_migration is called while
// runs_remaining is still greater than zero.
type MigrationInFlightError struct {
	MigrationID   string
	RunsRemaining int
}

func (e *MigrationInFlightError) Error() string {
	return fmt.Sprintf("migration %q still has %d runs in flight", e.MigrationID, e.RunsRemaining)
}

func (e *MigrationInFlightError) HTTPStatus() int { return http.StatusConflict }
func (e *MigrationInFlightError) Code() string    { return "MIGRATION_IN_FLIGHT" }

func NewMigrationInFlightError(migrationID string, remaining int) *MigrationInFlightError {
	return &MigrationInFlightError{MigrationID: migrationID, RunsRemaining: remaining}
}

// BackendUnavailableError is raised at tier-factory time (never at publish
// time) when the configured backend library or connection cannot be
// established. Message carries actionable setup guidance.
type BackendUnavailableError struct {
	Tier     string
	Guidance string
	Cause    error
}

func (e *BackendUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s tier unavailable: %s (%v)", e.Tier, e.Guidance, e.Cause)
	}
	return fmt.Sprintf("%s tier unavailable: %s", e.Tier, e.Guidance)
}

func (e *BackendUnavailableError) HTTPStatus() int { return http.StatusInternalServerError }
func (e *BackendUnavailableError) Code() string    { return "BACKEND_UNAVAILABLE" }
func (e *BackendUnavailableError) Unwrap() error   { return e.Cause }

func NewBackendUnavailableError(tier, guidance string, cause error) *BackendUnavailableError {
	return &BackendUnavailableError{Tier: tier, Guidance: guidance, Cause: cause}
}

// IsPublishError reports whether err is a PublishError.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

// IsTaskOutcomeInvalid reports whether err is a TaskOutcomeInvalidError.
func IsTaskOutcomeInvalid(err error) bool {
	var te *TaskOutcomeInvalidError
	return errors.As(err, &te)
}
