// Package model はドメインモデルを定義する。
package model

import "time"

// Role はセッション主体のロールを表す。
type Role string

const (
	// RoleCustomer は一般顧客ロール。
	RoleCustomer Role = "customer"
	// RoleAdmin はインベントリ管理者ロール。
	RoleAdmin Role = "admin"
)

// Session はログイン中の主体と資格情報のペアを表す。
// SessionStoreが唯一の所有者であり、更新時は丸ごと置き換えられる。
type Session struct {
	SubjectID    string
	DisplayName  string
	Roles        []Role
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time // アクセストークンの有効期限（不明な場合はnil）
}

// HasRole はセッションが指定ロールを持つかを返す。
func (s *Session) HasRole(role Role) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Expired はアクセストークンが期限切れかを返す。有効期限が不明な場合はfalse。
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.Expiry == nil {
		return false
	}
	return !now.Before(*s.Expiry)
}

// Clone はセッションのディープコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Roles = append([]Role(nil), s.Roles...)
	if s.Expiry != nil {
		exp := *s.Expiry
		c.Expiry = &exp
	}
	return &c
}
