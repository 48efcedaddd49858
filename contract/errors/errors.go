package errors

import (
	"fmt"
	"time"
)

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeHandlerTypeMismatch  = "servicebus.handler_type_mismatch"
	ErrCodePublishFailed        = "servicebus.publish_failed"
	ErrCodeSendFailed           = "servicebus.send_failed"
	ErrCodeSubscribeFailed      = "servicebus.subscribe_failed"
	ErrCodeSerializationFailed  = "servicebus.serialization_failed"
	ErrCodeTransportNotReady    = "servicebus.transport_not_ready"
	ErrCodeUnknownDestination   = "servicebus.unknown_destination"
	ErrCodeDuplicateCorrelation = "servicebus.duplicate_correlation"
	ErrCodeRequestTimeout       = "servicebus.request_timeout"
	ErrCodeRequestFailed        = "servicebus.request_failed"
	ErrCodeServiceStartFailed   = "servicebus.service_start_failed"
	ErrCodeServiceStopFailed    = "servicebus.service_stop_failed"
	ErrCodeServiceDisposeFailed = "servicebus.service_dispose_failed"
	ErrCodeInvalidState         = "servicebus.invalid_state"
	ErrCodeDisposed             = "servicebus.disposed"
	ErrCodePanic                = "servicebus.panic"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerTypeMismatch  = Code(ErrCodeHandlerTypeMismatch)
	ErrPublishFailed        = Code(ErrCodePublishFailed)
	ErrSendFailed           = Code(ErrCodeSendFailed)
	ErrSubscribeFailed      = Code(ErrCodeSubscribeFailed)
	ErrSerializationFailed  = Code(ErrCodeSerializationFailed)
	ErrTransportNotReady    = Code(ErrCodeTransportNotReady)
	ErrUnknownDestination   = Code(ErrCodeUnknownDestination)
	ErrDuplicateCorrelation = Code(ErrCodeDuplicateCorrelation)
	ErrRequestTimeout       = Code(ErrCodeRequestTimeout)
	ErrRequestFailed        = Code(ErrCodeRequestFailed)
	ErrServiceStartFailed   = Code(ErrCodeServiceStartFailed)
	ErrServiceStopFailed    = Code(ErrCodeServiceStopFailed)
	ErrServiceDisposeFailed = Code(ErrCodeServiceDisposeFailed)
	ErrInvalidState         = Code(ErrCodeInvalidState)
	ErrDisposed             = Code(ErrCodeDisposed)
	ErrPanic                = Code(ErrCodePanic)
)

// RequestTimeoutError reports that no correlated response arrived before the deadline.
// It matches ErrRequestTimeout with errors.Is.
type RequestTimeoutError struct {
	RequestType   string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out after %v", e.RequestType, e.CorrelationID, e.Timeout)
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// RequestError reports that a response handler failed while processing a correlated
// response. Response holds the message that was received; Err is the handler's error.
// It matches ErrRequestFailed and the handler error with errors.Is.
type RequestError struct {
	RequestType   string
	CorrelationID string
	Response      any
	Err           error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (%s) response handler failed: %v", e.RequestType, e.CorrelationID, e.Err)
}

func (e *RequestError) Unwrap() []error { return []error{ErrRequestFailed, e.Err} }

// ServiceError reports a fault raised by a bus service during a lifecycle operation.
// Op is one of the ErrService* sentinels, which the error also matches with errors.Is.
type ServiceError struct {
	Op      error
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Service, e.Err)
}

func (e *ServiceError) Unwrap() []error { return []error{e.Op, e.Err} }

// PanicError carries a value recovered from a panicking handler or service.
type PanicError struct {
	Value any
	Where string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

func (e *PanicError) Is(target error) bool { return target == ErrPanic }

// Recovered converts a recover() value into a *PanicError, or nil when nothing panicked.
func Recovered(where string, v any) error {
	if v == nil {
		return nil
	}

	return &PanicError{Value: v, Where: where}
}
