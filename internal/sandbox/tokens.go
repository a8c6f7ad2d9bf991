package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/model"
)

// accessClaims はアクセストークンのクレーム。
type accessClaims struct {
	Name  string       `json:"name,omitempty"`
	Roles []model.Role `json:"roles"`
	jwt.RegisteredClaims
}

// TokenIssuer はHS256で署名したアクセストークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret []byte, ttl time.Duration, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: now}
}

// TTL はアクセストークンの有効期間を返す。
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue はユーザーのアクセストークンを発行する。
func (i *TokenIssuer) Issue(u *user) (string, error) {
	now := i.now()
	claims := accessClaims{
		Name:  u.name,
		Roles: u.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.id,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify はアクセストークンの署名と有効期限を検証する。
// 期限切れはmiddleware.ErrTokenExpiredをラップして返す。
func (i *TokenIssuer) Verify(token string) (middleware.Principal, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return middleware.Principal{}, fmt.Errorf("%w: %v", middleware.ErrTokenExpired, err)
		}
		return middleware.Principal{}, err
	}
	if claims.Subject == "" {
		return middleware.Principal{}, errors.New("token has no subject")
	}
	return middleware.Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}
