// Package catalog は販売中のサービスパッケージ一覧を提供する。
package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
)

// defaultTTL はパッケージ一覧のキャッシュ期間の既定値。
const defaultTTL = 5 * time.Minute

// Transport はAPI呼び出しのインターフェース。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Service はパッケージ一覧を取得し、一定期間キャッシュする。
type Service struct {
	api    Transport
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	packages  []model.Package
	fetchedAt time.Time
}

// NewService はServiceを生成する。ttlが0以下の場合は既定値を使う。
func NewService(api Transport, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, ttl: ttl, logger: logger, now: time.Now}
}

// List はパッケージ一覧を返す。キャッシュが有効な間はサーバーに問い合わせない。
func (s *Service) List(ctx context.Context) ([]model.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.packages != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		return clonePackages(s.packages), nil
	}

	var pkgs []model.Package
	if err := s.api.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/packages"}, &pkgs); err != nil {
		return nil, err
	}
	if pkgs == nil {
		pkgs = []model.Package{}
	}
	s.packages = pkgs
	s.fetchedAt = s.now()

	s.logger.Debug("パッケージ一覧を更新しました", slog.Int("packages", len(pkgs)))
	return clonePackages(pkgs), nil
}

// Find はIDでパッケージを検索する。見つからない場合はfalseを返す。
func (s *Service) Find(ctx context.Context, id string) (model.Package, bool, error) {
	pkgs, err := s.List(ctx)
	if err != nil {
		return model.Package{}, false, err
	}
	for _, p := range pkgs {
		if p.ID == id {
			return p, true, nil
		}
	}
	return model.Package{}, false, nil
}

// Invalidate はキャッシュを破棄する。
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.packages = nil
	s.mu.Unlock()
}

// CartItem はパッケージからカート行を組み立てる。
func CartItem(p model.Package, quantity int, customConfig map[string]string) model.CartItem {
	return model.CartItem{
		PackageID:    p.ID,
		PackageName:  p.Name,
		UnitPrice:    p.UnitPrice,
		Quantity:     quantity,
		ServiceKind:  p.ServiceKind,
		CustomConfig: customConfig,
	}
}

func clonePackages(pkgs []model.Package) []model.Package {
	return append([]model.Package(nil), pkgs...)
}
