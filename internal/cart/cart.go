// Package cart はチェックアウト前のカートを管理する。
// すべての操作は同期的で、ネットワークにはアクセスしない。
package cart

import (
	"maps"
	"strings"
	"sync"

	"github.com/hitoshi/proxyman/internal/model"
)

// Aggregator はパッケージIDで一意なカート行の集合。
// 行の順序は最初に追加された順を保つ。
type Aggregator struct {
	mu    sync.Mutex
	items []model.CartItem
}

// New は空のカートを生成する。
func New() *Aggregator {
	return &Aggregator{}
}

// Add は行を追加する。同じパッケージIDの行がある場合は数量を合算し、
// 既存行の名前と単価を保ったままcustom configのキーを上書きする。
func (a *Aggregator) Add(item model.CartItem) error {
	if err := validate(item); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if i := a.indexOf(item.PackageID); i >= 0 {
		existing := &a.items[i]
		existing.Quantity += item.Quantity
		if len(item.CustomConfig) > 0 {
			if existing.CustomConfig == nil {
				existing.CustomConfig = map[string]string{}
			}
			maps.Copy(existing.CustomConfig, item.CustomConfig)
		}
		return nil
	}

	item.CustomConfig = maps.Clone(item.CustomConfig)
	a.items = append(a.items, item)
	return nil
}

// Remove は行を削除する。存在しない場合は何もしない。
func (a *Aggregator) Remove(packageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i := a.indexOf(packageID); i >= 0 {
		a.items = append(a.items[:i], a.items[i+1:]...)
	}
}

// SetQuantity は行の数量を置き換える。
func (a *Aggregator) SetQuantity(packageID string, quantity int) error {
	if quantity < 1 {
		return model.NewValidationError("quantity", "1以上を指定してください")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.indexOf(packageID)
	if i < 0 {
		return model.NewValidationError("package_id", "カートに存在しません: "+packageID)
	}
	a.items[i].Quantity = quantity
	return nil
}

// Clear はすべての行を削除する。
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
}

// Deduct は購入済みの行の数量を差し引き、残りが0以下になった行を削除する。
// スナップショットの取得後に追加された行や数量は残る。
func (a *Aggregator) Deduct(purchased []model.CartItem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range purchased {
		i := a.indexOf(p.PackageID)
		if i < 0 {
			continue
		}
		if a.items[i].Quantity -= p.Quantity; a.items[i].Quantity < 1 {
			a.items = append(a.items[:i], a.items[i+1:]...)
		}
	}
}

// Total は全行の小計の合計を返す。呼び出しごとに再計算する。
func (a *Aggregator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return total(a.items)
}

// Len は行数を返す。
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Items は行のコピーを返す。
func (a *Aggregator) Items() []model.CartItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneItems(a.items)
}

// Snapshot は現在のカートの不変コピーを返す。
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{items: cloneItems(a.items)}
}

func (a *Aggregator) indexOf(packageID string) int {
	for i := range a.items {
		if a.items[i].PackageID == packageID {
			return i
		}
	}
	return -1
}

func validate(item model.CartItem) error {
	switch {
	case strings.TrimSpace(item.PackageID) == "":
		return model.NewValidationError("package_id", "必須です")
	case item.Quantity < 1:
		return model.NewValidationError("quantity", "1以上を指定してください")
	case item.UnitPrice < 0:
		return model.NewValidationError("unit_price", "負の値は指定できません")
	case !item.ServiceKind.Valid():
		return model.NewValidationError("service_kind", "不明なサービス種別です: "+string(item.ServiceKind))
	}
	return nil
}

func total(items []model.CartItem) int64 {
	var sum int64
	for _, it := range items {
		sum += it.Subtotal()
	}
	return sum
}

func cloneItems(items []model.CartItem) []model.CartItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]model.CartItem, len(items))
	for i, it := range items {
		it.CustomConfig = maps.Clone(it.CustomConfig)
		out[i] = it
	}
	return out
}

// Snapshot はチェックアウトが参照するカートの不変コピー。
type Snapshot struct {
	items []model.CartItem
}

// Items は行のコピーを返す。
func (s Snapshot) Items() []model.CartItem {
	return cloneItems(s.items)
}

// Total は合計金額を返す。
func (s Snapshot) Total() int64 {
	return total(s.items)
}

// Len は行数を返す。
func (s Snapshot) Len() int {
	return len(s.items)
}

// Empty は行がないかを返す。
func (s Snapshot) Empty() bool {
	return len(s.items) == 0
}

// OrderItems は注文リクエスト用の明細に変換する。
func (s Snapshot) OrderItems() []model.OrderItem {
	out := make([]model.OrderItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, model.OrderItem{
			PackageID:    it.PackageID,
			Quantity:     it.Quantity,
			CustomConfig: maps.Clone(it.CustomConfig),
		})
	}
	return out
}
