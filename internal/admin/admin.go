// Package admin は管理者向けのプロキシ在庫とプール管理を提供する。
// すべての操作は admin ロールを持つセッションを必要とし、権限がない場合はサーバーを呼ばない。
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
)

// Transport はAPI呼び出しのインターフェース。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// RoleChecker は現在のセッションのロールを確認する。
type RoleChecker interface {
	RequireRole(role model.Role) error
}

// Service は在庫管理APIのクライアント。
type Service struct {
	api    Transport
	roles  RoleChecker
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(api Transport, roles RoleChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, roles: roles, logger: logger}
}

// ListProxies は在庫プロキシ一覧を返す。
func (s *Service) ListProxies(ctx context.Context) ([]model.InventoryProxy, error) {
	var out []model.InventoryProxy
	if err := s.call(ctx, http.MethodGet, "/admin/proxies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProxy は在庫プロキシを登録する。
func (s *Service) CreateProxy(ctx context.Context, p model.InventoryProxy) (model.InventoryProxy, error) {
	if err := ValidateProxy(p); err != nil {
		return model.InventoryProxy{}, err
	}
	var out model.InventoryProxy
	if err := s.call(ctx, http.MethodPost, "/admin/proxies", p, &out); err != nil {
		return model.InventoryProxy{}, err
	}
	s.logger.Info("在庫プロキシを登録しました", slog.String("proxy_id", out.ID), slog.String("ip", out.IP))
	return out, nil
}

// UpdateProxy は在庫プロキシを更新する。
func (s *Service) UpdateProxy(ctx context.Context, id string, p model.InventoryProxy) (model.InventoryProxy, error) {
	if id == "" {
		return model.InventoryProxy{}, model.NewValidationError("id", "IDが指定されていません")
	}
	if err := ValidateProxy(p); err != nil {
		return model.InventoryProxy{}, err
	}
	var out model.InventoryProxy
	if err := s.call(ctx, http.MethodPut, "/admin/proxies/"+url.PathEscape(id), p, &out); err != nil {
		return model.InventoryProxy{}, err
	}
	return out, nil
}

// DeleteProxy は在庫プロキシを削除する。
func (s *Service) DeleteProxy(ctx context.Context, id string) error {
	if id == "" {
		return model.NewValidationError("id", "IDが指定されていません")
	}
	if err := s.call(ctx, http.MethodDelete, "/admin/proxies/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	s.logger.Info("在庫プロキシを削除しました", slog.String("proxy_id", id))
	return nil
}

// ListPools はプール一覧を返す。
func (s *Service) ListPools(ctx context.Context) ([]model.ProxyPool, error) {
	var out []model.ProxyPool
	if err := s.call(ctx, http.MethodGet, "/admin/proxy-pools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePool はプールを登録する。
func (s *Service) CreatePool(ctx context.Context, p model.ProxyPool) (model.ProxyPool, error) {
	if err := ValidatePool(p); err != nil {
		return model.ProxyPool{}, err
	}
	var out model.ProxyPool
	if err := s.call(ctx, http.MethodPost, "/admin/proxy-pools", p, &out); err != nil {
		return model.ProxyPool{}, err
	}
	s.logger.Info("プロキシプールを登録しました", slog.String("pool_id", out.ID), slog.String("entry_point", out.EntryPoint))
	return out, nil
}

// UpdatePool はプールを更新する。
func (s *Service) UpdatePool(ctx context.Context, id string, p model.ProxyPool) (model.ProxyPool, error) {
	if id == "" {
		return model.ProxyPool{}, model.NewValidationError("id", "IDが指定されていません")
	}
	if err := ValidatePool(p); err != nil {
		return model.ProxyPool{}, err
	}
	var out model.ProxyPool
	if err := s.call(ctx, http.MethodPut, "/admin/proxy-pools/"+url.PathEscape(id), p, &out); err != nil {
		return model.ProxyPool{}, err
	}
	return out, nil
}

// DeletePool はプールを削除する。
func (s *Service) DeletePool(ctx context.Context, id string) error {
	if id == "" {
		return model.NewValidationError("id", "IDが指定されていません")
	}
	if err := s.call(ctx, http.MethodDelete, "/admin/proxy-pools/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	s.logger.Info("プロキシプールを削除しました", slog.String("pool_id", id))
	return nil
}

func (s *Service) call(ctx context.Context, method, path string, body, out any) error {
	if err := s.roles.RequireRole(model.RoleAdmin); err != nil {
		return err
	}
	return s.api.Send(ctx, gateway.Request{Method: method, Path: path, Body: body}, out)
}
