package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラー分類を表す。呼び出し元はKindで回復方法を判断する。
type ErrorKind string

const (
	// KindUnauthenticated はセッションが存在しないことを示す。
	KindUnauthenticated ErrorKind = "unauthenticated"
	// KindSessionExpired は資格情報の更新に失敗し、ログアウトが必要なことを示す。
	KindSessionExpired ErrorKind = "session_expired"
	// KindNetwork は通信失敗またはタイムアウトを示す。自動リトライはしない。
	KindNetwork ErrorKind = "network"
	// KindValidation は不正なリクエストを示す。リトライしない。
	KindValidation ErrorKind = "validation"
	// KindInsufficientBalance はウォレット残高不足を示す。
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	// KindApplication はサーバーが報告した業務エラーを示す。
	KindApplication ErrorKind = "application"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Kind       ErrorKind
	Code       string // エラーコード
	Message    string // エラーメッセージ
	Category   string // カテゴリ: auth, validation, network, wallet, application
	Action     string // ユーザー向け対処方法
	HTTPStatus int    // サーバー応答由来の場合のHTTPステータス
	Cause      error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is はerrors.Isから呼ばれる。Codeが空のターゲットは同じKindの全エラーに一致する。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Kind判定用のセンチネル。errors.Is(err, model.ErrSessionExpired) のように使う。
var (
	ErrUnauthenticated     = &APIError{Kind: KindUnauthenticated}
	ErrSessionExpired      = &APIError{Kind: KindSessionExpired}
	ErrNetwork             = &APIError{Kind: KindNetwork}
	ErrValidation          = &APIError{Kind: KindValidation}
	ErrInsufficientBalance = &APIError{Kind: KindInsufficientBalance}
	ErrApplication         = &APIError{Kind: KindApplication}
)

// KindOf はエラーの分類を返す。APIErrorでない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeNetwork             = "NETWORK_ERROR"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeApplication         = "APPLICATION_ERROR"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeServer              = "SERVER_ERROR"
	ErrCodeInvalidState        = "INVALID_STATE"
)

// NewUnauthenticatedError はセッション未確立エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Kind:     KindUnauthenticated,
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "proxyman login でログインしてください。",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError(cause error) *APIError {
	return &APIError{
		Kind:     KindSessionExpired,
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
		Cause:    cause,
	}
}

// NewNetworkError は通信失敗エラーを生成する。
func NewNetworkError(cause error) *APIError {
	return &APIError{
		Kind:     KindNetwork,
		Code:     ErrCodeNetwork,
		Message:  "サーバーとの通信に失敗しました。",
		Category: "network",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewTimeoutError は応答タイムアウトエラーを生成する。分類はNetworkErrorとなる。
func NewTimeoutError(cause error) *APIError {
	return &APIError{
		Kind:     KindNetwork,
		Code:     ErrCodeTimeout,
		Message:  "サーバーからの応答がタイムアウトしました。",
		Category: "network",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力が不正です（%s）: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInsufficientBalanceError は残高不足エラーを生成する。
func NewInsufficientBalanceError(balance, required int64) *APIError {
	return &APIError{
		Kind:     KindInsufficientBalance,
		Code:     ErrCodeInsufficientBalance,
		Message:  fmt.Sprintf("ウォレット残高が不足しています（残高: %d, 必要額: %d）", balance, required),
		Category: "wallet",
		Action:   "ウォレットに入金してから再度お試しください。",
	}
}

// NewApplicationError はサーバーが報告した業務エラーを生成する。
func NewApplicationError(code, message string, httpStatus int) *APIError {
	if code == "" {
		code = ErrCodeApplication
	}
	if message == "" {
		message = "リクエストを処理できませんでした。"
	}
	return &APIError{
		Kind:       KindApplication,
		Code:       code,
		Message:    message,
		Category:   "application",
		Action:     "内容を確認し、必要に応じてサポートに連絡してください。",
		HTTPStatus: httpStatus,
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(role Role) *APIError {
	return &APIError{
		Kind:       KindApplication,
		Code:       ErrCodeForbidden,
		Message:    fmt.Sprintf("この操作には %s ロールが必要です。", role),
		Category:   "auth",
		Action:     "権限を持つアカウントでログインしてください。",
		HTTPStatus: 403,
	}
}

// NewInvalidStateError は状態遷移が許可されていない場合のエラーを生成する。
func NewInvalidStateError(op, state string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("現在の状態（%s）では %s を実行できません。", state, op),
		Category: "validation",
		Action:   "チェックアウトを最初からやり直してください。",
	}
}

// NewServerError はサーバー応答から分類済みのエラーを生成する。
// messageが空の場合は分類ごとの既定メッセージを使う。
func NewServerError(kind ErrorKind, code, message string, httpStatus int) *APIError {
	var base *APIError
	switch kind {
	case KindValidation:
		base = &APIError{
			Kind:     KindValidation,
			Code:     ErrCodeValidation,
			Message:  "入力が不正です。",
			Category: "validation",
			Action:   "入力内容を確認してください。",
		}
		if message != "" {
			base.Message = message
		}
	case KindInsufficientBalance:
		base = &APIError{
			Kind:     KindInsufficientBalance,
			Code:     ErrCodeInsufficientBalance,
			Message:  "ウォレット残高が不足しています。",
			Category: "wallet",
			Action:   "ウォレットに入金してから再度お試しください。",
		}
		if message != "" {
			base.Message = message
		}
	default:
		return NewApplicationError(code, message, httpStatus)
	}
	if code != "" {
		base.Code = code
	}
	base.HTTPStatus = httpStatus
	return base
}
