// Package auth はログイン、ログアウト、セッション復元を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
	"github.com/hitoshi/proxyman/internal/session"
)

// Transport はAPI呼び出しのインターフェース。gateway.Gatewayが実装する。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
	SendAnonymous(ctx context.Context, req gateway.Request, out any) error
}

// SessionStore は認証サービスが利用するセッション操作。
type SessionStore interface {
	Initialize(ctx context.Context) (*model.Session, error)
	Current() *model.Session
	Commit(ctx context.Context, sess *model.Session) error
	Clear(ctx context.Context) error
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	api    Transport
	store  SessionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(api Transport, store SessionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, store: store, logger: logger, now: time.Now}
}

// Login は資格情報でログインし、セッションを保存する。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, model.NewValidationError("email", "必須です")
	}
	if password == "" {
		return nil, model.NewValidationError("password", "必須です")
	}

	var tokens session.Tokens
	err := s.api.SendAnonymous(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"email": email, "password": password},
	}, &tokens)
	if err != nil {
		return nil, err
	}

	sess, err := session.FromTokens(tokens, nil, s.now())
	if err != nil {
		return nil, model.NewApplicationError("INVALID_RESPONSE", "ログイン応答を解釈できませんでした。", 0)
	}
	if err := s.store.Commit(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Info("ログインしました",
		slog.String("subject", sess.SubjectID),
		slog.Int("roles", len(sess.Roles)),
	)
	return sess, nil
}

// Logout はサーバーにログアウトを通知し、セッションを消去する。
// サーバーへの通知に失敗してもローカルのセッションは消去する。
func (s *Service) Logout(ctx context.Context) error {
	sess := s.store.Current()
	if sess == nil {
		return nil
	}

	err := s.api.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/auth/logout",
		Body:   map[string]string{"refresh_token": sess.RefreshToken},
	}, nil)
	if err != nil {
		s.logger.Warn("ログアウト通知に失敗しました",
			slog.String("subject", sess.SubjectID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	s.logger.Info("ログアウトしました", slog.String("subject", sess.SubjectID))
	return nil
}

// Restore は永続化されたセッションを読み込む。未ログインの場合はnilを返す。
// 有効期限が過ぎていても破棄はしない（次の呼び出しで更新される）。
func (s *Service) Restore(ctx context.Context) (*model.Session, error) {
	sess, err := s.store.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.Expired(s.now()) {
		s.logger.Debug("復元したセッションのアクセストークンは期限切れです", slog.String("subject", sess.SubjectID))
	}
	return sess, nil
}

// CurrentUser は現在のセッションを返す。未ログインの場合はUnauthenticatedを返す。
func (s *Service) CurrentUser() (*model.Session, error) {
	sess := s.store.Current()
	if sess == nil {
		return nil, model.NewUnauthenticatedError()
	}
	return sess, nil
}

// RequireRole は現在のセッションが指定ロールを持つことを確認する。
func (s *Service) RequireRole(role model.Role) error {
	sess, err := s.CurrentUser()
	if err != nil {
		return err
	}
	if !sess.HasRole(role) {
		return model.NewForbiddenError(role)
	}
	return nil
}
