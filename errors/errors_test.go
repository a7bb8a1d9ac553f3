package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeConflict, "active alert exists"),
			want: "CONFLICT: active alert exists",
		},
		{
			name: "with wrapped error",
			err:  Wrap(errors.New("etag mismatch"), CodeConflict, "stale record"),
			want: "CONFLICT: stale record: etag mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	appErr := Wrap(underlying, CodeInternal, "wrapped")

	if appErr.Unwrap() != underlying {
		t.Error("Unwrap() should return underlying error")
	}
	if New(CodeNotFound, "no wrap").Unwrap() != nil {
		t.Error("Unwrap() should return nil for unwrapped error")
	}
}

func TestAppError_Is(t *testing.T) {
	err1 := New(CodeNotFound, "trip not found")
	err2 := New(CodeNotFound, "alert not found")
	err3 := New(CodeConflict, "conflict")

	if !err1.Is(err2) {
		t.Error("errors with same code should match")
	}
	if err1.Is(err3) {
		t.Error("errors with different code should not match")
	}
	if err1.Is(errors.New("not app error")) {
		t.Error("AppError should not match non-AppError")
	}
}

func TestAppError_WithDetail(t *testing.T) {
	err := Conflict("duplicate").WithDetail("trip_id", "trip-1")
	if err.Details["trip_id"] != "trip-1" {
		t.Errorf("Details[trip_id] = %s, want trip-1", err.Details["trip_id"])
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		wantCode string
	}{
		{"Internal", Internal("internal error"), CodeInternal},
		{"NotFound", NotFound("trip"), CodeNotFound},
		{"Validation", Validation("invalid"), CodeValidation},
		{"Conflict", Conflict("duplicate"), CodeConflict},
		{"Timeout", Timeout("provider timed out"), CodeTimeout},
		{"Unavailable", Unavailable("provider down"), CodeUnavailable},
		{"RateLimited", RateLimited("quota"), CodeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", tt.err.Code, tt.wantCode)
			}
		})
	}
}

func TestNotFound_Message(t *testing.T) {
	if err := NotFound("trip"); err.Message != "trip not found" {
		t.Errorf("Message = %s, want 'trip not found'", err.Message)
	}
}

func TestPredicates(t *testing.T) {
	wrappedConflict := fmt.Errorf("update alert: %w", Conflict("version mismatch"))

	tests := []struct {
		name string
		fn   func(error) bool
		err  error
		want bool
	}{
		{"IsNotFound match", IsNotFound, NotFound("trip"), true},
		{"IsNotFound other", IsNotFound, Conflict("x"), false},
		{"IsNotFound std", IsNotFound, errors.New("plain"), false},
		{"IsConflict wrapped", IsConflict, wrappedConflict, true},
		{"IsConflict nil", IsConflict, nil, false},
		{"IsValidation match", IsValidation, Validation("bad lat"), true},
		{"IsRetryable timeout", IsRetryable, Timeout("slow"), true},
		{"IsRetryable unavailable", IsRetryable, Unavailable("down"), true},
		{"IsRetryable conflict", IsRetryable, Conflict("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	if code := Code(NotFound("resource")); code != CodeNotFound {
		t.Errorf("Code() = %s, want %s", code, CodeNotFound)
	}
	if code := Code(errors.New("standard error")); code != "" {
		t.Errorf("Code() = %s, want empty string", code)
	}
	if code := Code(nil); code != "" {
		t.Errorf("Code(nil) = %s, want empty string", code)
	}
}

func TestJoin_KeepsCodes(t *testing.T) {
	joined := Join(errors.New("first"), Conflict("second"))
	if !IsConflict(joined) {
		t.Error("IsConflict should see through Join")
	}
	if Join() != nil {
		t.Error("Join() with no errors should be nil")
	}
}
