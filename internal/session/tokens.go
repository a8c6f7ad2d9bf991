package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/proxyman/internal/model"
)

// Identity はログイン応答に含まれるユーザー情報。
type Identity struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Roles []model.Role `json:"roles"`
}

// Tokens はログインおよびトークン更新の応答データ。
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in,omitempty"` // 秒
	User         *Identity `json:"user,omitempty"`
}

// FromTokens は応答データからSessionを組み立てる。
// 更新応答にユーザー情報やリフレッシュトークンがない場合はprevの値を引き継ぐ。
// 有効期限はexpires_in、なければアクセストークンのexpクレームから求める。
// 署名検証はクライアントでは行わない。
func FromTokens(t Tokens, prev *model.Session, now time.Time) (*model.Session, error) {
	if t.AccessToken == "" {
		return nil, errors.New("session: response has no access token")
	}

	sess := &model.Session{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}

	switch {
	case t.User != nil:
		sess.SubjectID = t.User.ID
		sess.DisplayName = t.User.Name
		sess.Roles = append([]model.Role(nil), t.User.Roles...)
	case prev != nil:
		sess.SubjectID = prev.SubjectID
		sess.DisplayName = prev.DisplayName
		sess.Roles = append([]model.Role(nil), prev.Roles...)
	default:
		return nil, errors.New("session: response has no user")
	}

	if sess.RefreshToken == "" {
		if prev == nil || prev.RefreshToken == "" {
			return nil, errors.New("session: response has no refresh token")
		}
		sess.RefreshToken = prev.RefreshToken
	}

	if t.ExpiresIn > 0 {
		exp := now.Add(time.Duration(t.ExpiresIn) * time.Second)
		sess.Expiry = &exp
	} else {
		sess.Expiry = TokenExpiry(t.AccessToken)
	}
	return sess, nil
}

// TokenExpiry はJWTのexpクレームを検証なしで読み取る。
// JWTでないトークンやexpのないトークンはnilを返す。
func TokenExpiry(token string) *time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
