package errors_test

import (
	"errors"
	"testing"
	"time"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrHandlerTypeMismatch, berr.ErrCodeHandlerTypeMismatch},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSendFailed, berr.ErrCodeSendFailed},
		{berr.ErrSubscribeFailed, berr.ErrCodeSubscribeFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrTransportNotReady, berr.ErrCodeTransportNotReady},
		{berr.ErrUnknownDestination, berr.ErrCodeUnknownDestination},
		{berr.ErrDuplicateCorrelation, berr.ErrCodeDuplicateCorrelation},
		{berr.ErrRequestTimeout, berr.ErrCodeRequestTimeout},
		{berr.ErrRequestFailed, berr.ErrCodeRequestFailed},
		{berr.ErrServiceStartFailed, berr.ErrCodeServiceStartFailed},
		{berr.ErrServiceStopFailed, berr.ErrCodeServiceStopFailed},
		{berr.ErrServiceDisposeFailed, berr.ErrCodeServiceDisposeFailed},
		{berr.ErrInvalidState, berr.ErrCodeInvalidState},
		{berr.ErrDisposed, berr.ErrCodeDisposed},
		{berr.ErrPanic, berr.ErrCodePanic},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestRequestTimeoutError_Is(t *testing.T) {
	var err error = &berr.RequestTimeoutError{RequestType: "Ping", CorrelationID: "c1", Timeout: time.Second}

	if !errors.Is(err, berr.ErrRequestTimeout) {
		t.Fatalf("want ErrRequestTimeout, got %v", err)
	}

	if errors.Is(err, berr.ErrRequestFailed) {
		t.Fatalf("timeout must not match ErrRequestFailed")
	}

	var rte *berr.RequestTimeoutError
	if !errors.As(err, &rte) || rte.CorrelationID != "c1" || rte.RequestType != "Ping" {
		t.Fatalf("as: %+v", rte)
	}
}

func TestRequestError_CarriesResponseAndCause(t *testing.T) {
	cause := errors.New("naughty")
	var err error = &berr.RequestError{RequestType: "Ping", CorrelationID: "c1", Response: "pong", Err: cause}

	if !errors.Is(err, berr.ErrRequestFailed) {
		t.Fatalf("want ErrRequestFailed, got %v", err)
	}

	if !errors.Is(err, cause) {
		t.Fatalf("want cause in chain, got %v", err)
	}

	var re *berr.RequestError
	if !errors.As(err, &re) || re.Response != "pong" {
		t.Fatalf("as: %+v", re)
	}
}

func TestServiceError_MatchesOp(t *testing.T) {
	cause := errors.New("boom")
	err := &berr.ServiceError{Op: berr.ErrServiceStopFailed, Service: "svc", Err: cause}

	if !errors.Is(err, berr.ErrServiceStopFailed) || !errors.Is(err, cause) {
		t.Fatalf("chain mismatch: %v", err)
	}

	if errors.Is(err, berr.ErrServiceStartFailed) {
		t.Fatalf("unexpected op match")
	}
}

func TestRecovered(t *testing.T) {
	if err := berr.Recovered("x", nil); err != nil {
		t.Fatalf("want nil, got %v", err)
	}

	err := berr.Recovered("handler", "kaboom")
	if !errors.Is(err, berr.ErrPanic) {
		t.Fatalf("want ErrPanic, got %v", err)
	}

	var pe *berr.PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" || pe.Where != "handler" {
		t.Fatalf("as: %+v", pe)
	}
}
