// Package middleware はサンドボックスAPIのHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/hitoshi/proxyman/internal/model"
)

// 認証失敗時のエンベロープコード
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeTokenExpired = "TOKEN_EXPIRED"
)

// ErrTokenExpired はアクセストークンの有効期限切れを示す。
// TokenVerifierはこのエラーをラップして返す。
var ErrTokenExpired = errors.New("access token expired")

// Principal は認証済みのリクエスト主体。
type Principal struct {
	Subject string
	Roles   []model.Role
}

// HasRole は指定ロールを持つかを返す。
func (p Principal) HasRole(role model.Role) bool {
	return slices.Contains(p.Roles, role)
}

// TokenVerifier はアクセストークンを検証して主体を返す。
type TokenVerifier interface {
	Verify(token string) (Principal, error)
}

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var principalContextKey = contextKey("principal")

// NewBearerMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 期限切れは TOKEN_EXPIRED、それ以外の失敗は UNAUTHORIZED として401を返す。
func NewBearerMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "認証が必要です。")
				return
			}

			p, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					WriteError(w, http.StatusUnauthorized, CodeTokenExpired, "アクセストークンの有効期限が切れています。")
					return
				}
				slog.Debug("bearer token rejected", slog.String("error", err.Error()))
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "アクセストークンが無効です。")
				return
			}

			if sr, ok := w.(subjectRecorder); ok {
				sr.recordSubject(p.Subject)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole は指定ロールを持たない主体に403を返すミドルウェアを返す。
// NewBearerMiddlewareの後に配置する。
func RequireRole(role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "認証が必要です。")
				return
			}
			if !p.HasRole(role) {
				WriteError(w, http.StatusForbidden, model.ErrCodeForbidden, "この操作を行う権限がありません。")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから主体を取得する。
// Bearerミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	if !ok || p.Subject == "" {
		return Principal{}, false
	}
	return p, true
}

// ContextWithPrincipal はコンテキストに主体を注入する。
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
