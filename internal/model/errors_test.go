package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Is_MatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewSessionExpiredError(nil))

	if !errors.Is(err, ErrSessionExpired) {
		t.Error("errors.Is(err, ErrSessionExpired) = false, want true")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = true, want false")
	}
}

func TestAPIError_Is_TimeoutIsNetworkKind(t *testing.T) {
	err := NewTimeoutError(errors.New("deadline exceeded"))

	if !errors.Is(err, ErrNetwork) {
		t.Error("timeout はNetworkErrorに分類されるべき")
	}
	if KindOf(err) != KindNetwork {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindNetwork)
	}
}

func TestAPIError_Is_CodeSpecificTarget(t *testing.T) {
	err := NewApplicationError("SOLD_OUT", "在庫切れ", 409)

	if !errors.Is(err, &APIError{Kind: KindApplication, Code: "SOLD_OUT"}) {
		t.Error("同じKindとCodeのターゲットに一致するべき")
	}
	if errors.Is(err, &APIError{Kind: KindApplication, Code: "OTHER"}) {
		t.Error("異なるCodeのターゲットに一致してはならない")
	}
}

func TestAPIError_Unwrap_ReturnsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetworkError(cause)

	if !errors.Is(err, cause) {
		t.Error("原因エラーをUnwrapで辿れるべき")
	}
}

func TestKindOf_NonAPIError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf = %q, want empty", got)
	}
}

func TestNewApplicationError_Defaults(t *testing.T) {
	err := NewApplicationError("", "", 500)

	if err.Code != ErrCodeApplication {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeApplication)
	}
	if err.Message == "" {
		t.Error("Message should have a default")
	}
	if err.HTTPStatus != 500 {
		t.Errorf("HTTPStatus = %d, want 500", err.HTTPStatus)
	}
}

func TestNewInsufficientBalanceError_Message(t *testing.T) {
	err := NewInsufficientBalanceError(200000, 250000)

	if err.Kind != KindInsufficientBalance {
		t.Errorf("Kind = %q, want %q", err.Kind, KindInsufficientBalance)
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestNewServerError_KindsAndDefaults(t *testing.T) {
	tests := []struct {
		name     string
		kind     ErrorKind
		code     string
		message  string
		wantCode string
	}{
		{"validation keeps server code", KindValidation, "BAD_PORT", "ポート範囲が不正です", "BAD_PORT"},
		{"validation default code", KindValidation, "", "", ErrCodeValidation},
		{"balance", KindInsufficientBalance, "", "", ErrCodeInsufficientBalance},
		{"application", KindApplication, "SOLD_OUT", "在庫切れ", "SOLD_OUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewServerError(tt.kind, tt.code, tt.message, 422)
			if err.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", err.Kind, tt.kind)
			}
			if err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", err.Code, tt.wantCode)
			}
			if err.Message == "" {
				t.Error("Message should not be empty")
			}
			if tt.message != "" && err.Message != tt.message {
				t.Errorf("Message = %q, want server message %q", err.Message, tt.message)
			}
			if err.HTTPStatus != 422 {
				t.Errorf("HTTPStatus = %d, want 422", err.HTTPStatus)
			}
		})
	}
}
