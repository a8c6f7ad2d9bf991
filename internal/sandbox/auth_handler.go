package sandbox

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/model"
)

// tokenResponse はログインおよびトークン更新の応答データ。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
	User         userResponse `json:"user"`
}

type userResponse struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Roles []model.Role `json:"roles"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthHandler は認証エンドポイントのHTTPハンドラー。
type AuthHandler struct {
	backend *Backend
	issuer  *TokenIssuer
	logger  *slog.Logger
}

// Login はメールアドレスとパスワードでトークンを発行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, apiErr := h.backend.authenticate(req.Email, req.Password)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	h.writeTokens(w, u)
	h.logger.Info("サンドボックスにログインしました", slog.String("subject", u.id))
}

// Refresh は使い捨てのリフレッシュトークンを消費し、新しいトークンの組を発行する。
// POST /auth/refresh-token
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	subject, ok := h.backend.consumeRefresh(req.RefreshToken)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "リフレッシュトークンが無効です。")
		return
	}
	u, ok := h.backend.userByID(subject)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "ユーザーが存在しません。")
		return
	}
	h.writeTokens(w, u)
}

// Logout はリフレッシュトークンを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.backend.revokeRefresh(p.Subject, req.RefreshToken)
	middleware.WriteData(w, http.StatusOK, nil)
}

func (h *AuthHandler) writeTokens(w http.ResponseWriter, u *user) {
	access, err := h.issuer.Issue(u)
	if err != nil {
		h.logger.Error("アクセストークンの発行に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteData(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: h.backend.issueRefresh(u.id),
		ExpiresIn:    int(h.issuer.TTL().Seconds()),
		User:         userResponse{ID: u.id, Name: u.name, Roles: u.roles},
	})
}

// decodeBody はJSONボディを読み取る。失敗した場合は400を書き込んでfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "リクエストボディの解析に失敗しました。")
		return false
	}
	return true
}

// subject はBearerミドルウェアを通過したリクエストの主体を返す。
func subject(r *http.Request) string {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return p.Subject
}
