// Package order は注文履歴の読み取りを提供する。注文の状態遷移はサーバーが行う。
package order

import (
	"context"
	"net/http"
	"sort"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
)

// Transport はAPI呼び出しのインターフェース。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Service は注文履歴を取得する。
type Service struct {
	api Transport
}

// NewService はServiceを生成する。
func NewService(api Transport) *Service {
	return &Service{api: api}
}

// List は注文履歴を新しい順に返す。
func (s *Service) List(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	if err := s.api.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/orders"}, &orders); err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}
