package errors

import "testing"

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeMissingField, 400},
		{ErrCodeMissingAdminKey, 401},
		{ErrCodeUnverifiedPayment, 402},
		{ErrCodeKeyNotFound, 404},
		{ErrCodeMethodNotAllowed, 405},
		{ErrCodeBodyTooLarge, 413},
		{ErrCodeUnsupportedMediaType, 415},
		{ErrCodeStripeError, 502},
		{ErrCodeInternalError, 500},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrCodeNetworkError, ErrCodeStripeError, ErrCodeFacilitatorError}
	for _, c := range retryable {
		if !c.IsRetryable() {
			t.Errorf("%s: expected retryable", c)
		}
	}

	notRetryable := []ErrorCode{ErrCodeMissingField, ErrCodeKeyNotFound, ErrCodeInvalidAdminKey}
	for _, c := range notRetryable {
		if c.IsRetryable() {
			t.Errorf("%s: expected not retryable", c)
		}
	}
}
