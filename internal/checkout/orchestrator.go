// Package checkout はカートのスナップショットから注文を確定するまでの状態遷移を管理する。
//
//	Idle → Reviewing → AwaitingPayment → Settling → Completed | Failed
//
// 注文の送信は取り消せないため、呼び出し元のcontextから切り離して実行する。
// 呼び出し元が先に終了した場合でも照合（カートの消去、残高の再同期、
// 利用権の登録）は最後まで行われる。自動リトライは行わない。
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/proxyman/internal/cart"
	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/model"
)

// DefaultPaymentSource は支払い元を省略した場合の値。
const DefaultPaymentSource = "wallet"

// Transport はAPI呼び出しのインターフェース。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Cart はチェックアウトが参照するカート操作。
type Cart interface {
	Snapshot() cart.Snapshot
	Deduct(purchased []model.CartItem)
}

// Ledger はチェックアウトが参照するウォレット操作。
type Ledger interface {
	Account() (model.WalletAccount, bool)
	Stale() bool
	Sync(ctx context.Context) (model.WalletAccount, error)
	MarkStale()
}

// Catalog は品目の整合性確認に使うパッケージ検索。
type Catalog interface {
	Find(ctx context.Context, id string) (model.Package, bool, error)
}

// Tracker は注文確定後に利用権を登録する先。
type Tracker interface {
	Register(ents ...model.ProxyEntitlement)
	Refresh(ctx context.Context) ([]model.ProxyEntitlement, error)
}

// Deps はOrchestratorの依存。
type Deps struct {
	API     Transport
	Cart    Cart
	Ledger  Ledger
	Catalog Catalog
	Tracker Tracker
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// Observer は状態遷移の通知を受け取る。
type Observer func(from, to State)

// orderResponse は POST /orders の応答。
type orderResponse struct {
	model.Order
	Entitlements []model.ProxyEntitlement `json:"entitlements,omitempty"`
}

// settlement は送信1回分。detachedが立つと状態遷移を通知しない。
type settlement struct {
	done     chan struct{}
	detached atomic.Bool
}

// Orchestrator はチェックアウトの状態機械。
type Orchestrator struct {
	api     Transport
	cart    Cart
	ledger  Ledger
	catalog Catalog
	tracker Tracker
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu        sync.Mutex
	state     State
	rev       uint64 // Open/Resetごとに増える
	snapshot  cart.Snapshot
	err       error
	order     *model.Order
	observers []Observer
	current   *settlement
}

// New はOrchestratorを生成する。
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NopCollector{}
	}
	return &Orchestrator{
		api:     d.API,
		cart:    d.Cart,
		ledger:  d.Ledger,
		catalog: d.Catalog,
		tracker: d.Tracker,
		logger:  d.Logger,
		metrics: d.Metrics,
	}
}

// OnTransition は状態遷移の通知先を追加する。
func (o *Orchestrator) OnTransition(fn Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// State は現在の状態を返す。
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot は確認中のカートのスナップショットを返す。
func (o *Orchestrator) Snapshot() cart.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// Err はFailed状態の原因を返す。
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Order はCompleted状態の注文を返す。
func (o *Orchestrator) Order() (model.Order, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.order == nil {
		return model.Order{}, false
	}
	return *o.order, true
}

// Open はカートのスナップショットを取り、確認を開始する。
// 確認中または支払い待ちの場合はスナップショットを取り直して確認からやり直す。
func (o *Orchestrator) Open() error {
	snap := o.cart.Snapshot()

	o.mu.Lock()
	if o.state == Settling {
		o.mu.Unlock()
		return model.NewInvalidStateError("open", o.state.String())
	}
	if snap.Empty() {
		o.mu.Unlock()
		return model.NewValidationError("cart", "カートが空です")
	}

	from := o.state
	o.snapshot = snap
	o.err = nil
	o.order = nil
	o.rev++
	notify := o.transitionLocked(Reviewing, nil)
	o.mu.Unlock()

	notify()
	o.logger.Debug("チェックアウトを開始しました",
		slog.String("from", from.String()),
		slog.Int("items", snap.Len()),
		slog.Int64("total", snap.Total()),
	)
	return nil
}

// Proceed は品目の整合性と残高を確認し、支払い待ちに進む。
// 失敗した場合は確認中のままとし、カートは変更しない。
func (o *Orchestrator) Proceed(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Reviewing {
		o.mu.Unlock()
		return model.NewInvalidStateError("proceed", o.state.String())
	}
	snap, rev := o.snapshot, o.rev
	o.mu.Unlock()

	if err := o.checkItems(ctx, snap); err != nil {
		return err
	}

	if o.ledger.Stale() {
		if _, err := o.ledger.Sync(ctx); err != nil {
			return err
		}
	}
	account, ok := o.ledger.Account()
	if !ok {
		return model.NewApplicationError("WALLET_UNAVAILABLE", "ウォレット残高を取得できませんでした。", 0)
	}
	if total := snap.Total(); account.Balance < total {
		return model.NewInsufficientBalanceError(account.Balance, total)
	}

	o.mu.Lock()
	if o.state != Reviewing || o.rev != rev {
		state := o.state
		o.mu.Unlock()
		return model.NewInvalidStateError("proceed", state.String())
	}
	notify := o.transitionLocked(AwaitingPayment, nil)
	o.mu.Unlock()

	notify()
	return nil
}

// checkItems はスナップショットの各品目がカタログに存在し、販売中で、単価が一致することを確認する。
func (o *Orchestrator) checkItems(ctx context.Context, snap cart.Snapshot) error {
	for _, item := range snap.Items() {
		pkg, found, err := o.catalog.Find(ctx, item.PackageID)
		if err != nil {
			return err
		}
		switch {
		case !found:
			return model.NewValidationError(item.PackageID, "パッケージが存在しません")
		case !pkg.Active:
			return model.NewValidationError(item.PackageID, "パッケージは販売停止中です")
		case pkg.UnitPrice != item.UnitPrice:
			return model.NewValidationError(item.PackageID,
				fmt.Sprintf("価格が変更されています（カート: %d, 現在: %d）", item.UnitPrice, pkg.UnitPrice))
		}
	}
	return nil
}

// Submit は注文を送信し、結果が確定するまで待つ。
// ctxが先に終了した場合はctxのエラーを返し、以降の状態遷移は通知しない。
// 照合は継続するため、完了を待つにはWaitを使う。
func (o *Orchestrator) Submit(ctx context.Context, paymentSource string) (model.Order, error) {
	if paymentSource == "" {
		paymentSource = DefaultPaymentSource
	}

	o.mu.Lock()
	if o.state != AwaitingPayment {
		o.mu.Unlock()
		return model.Order{}, model.NewInvalidStateError("submit", o.state.String())
	}
	s := &settlement{done: make(chan struct{})}
	o.current = s
	snap := o.snapshot
	notify := o.transitionLocked(Settling, s)
	o.mu.Unlock()
	notify()

	go func() {
		defer close(s.done)
		o.settle(context.WithoutCancel(ctx), s, snap, paymentSource)
	}()

	select {
	case <-s.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.state == Failed {
			return model.Order{}, o.err
		}
		return *o.order, nil
	case <-ctx.Done():
		s.detached.Store(true)
		o.logger.Warn("呼び出し元が終了したため、注文処理を切り離して継続します")
		return model.Order{}, ctx.Err()
	}
}

// Wait は進行中の送信と照合の完了を待つ。送信していない場合はすぐに返る。
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

// Reset は終了した状態からIdleに戻す。
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if !o.state.Terminal() {
		o.mu.Unlock()
		return model.NewInvalidStateError("reset", o.state.String())
	}
	o.snapshot = cart.Snapshot{}
	o.err = nil
	o.order = nil
	o.rev++
	notify := o.transitionLocked(Idle, nil)
	o.mu.Unlock()

	notify()
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, s *settlement, snap cart.Snapshot, paymentSource string) {
	var resp orderResponse
	err := o.api.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/orders",
		Body: map[string]any{
			"items":          snap.OrderItems(),
			"payment_source": paymentSource,
		},
	}, &resp)

	if err != nil {
		o.metrics.RecordCheckout("failed")
		o.logger.Warn("注文の送信に失敗しました", slog.String("error", err.Error()))

		o.mu.Lock()
		o.err = err
		notify := o.transitionLocked(Failed, s)
		o.mu.Unlock()
		notify()
		return
	}

	order := resp.Order
	o.reconcile(ctx, snap, order, resp.Entitlements)
	o.metrics.RecordCheckout("completed")

	o.mu.Lock()
	o.order = &order
	notify := o.transitionLocked(Completed, s)
	o.mu.Unlock()
	notify()
}

// reconcile は注文確定後のローカル状態を更新する。
// 残高の再同期と利用権の取得に失敗しても注文は確定しているため、ログに残して続行する。
func (o *Orchestrator) reconcile(ctx context.Context, snap cart.Snapshot, order model.Order, ents []model.ProxyEntitlement) {
	o.cart.Deduct(snap.Items())

	o.ledger.MarkStale()
	if _, err := o.ledger.Sync(ctx); err != nil {
		o.logger.Warn("注文後のウォレット再同期に失敗しました",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	if len(ents) > 0 {
		o.tracker.Register(ents...)
	} else if _, err := o.tracker.Refresh(ctx); err != nil {
		o.logger.Warn("注文後の利用権の取得に失敗しました",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.Info("注文が完了しました",
		slog.String("order_id", order.ID),
		slog.String("status", string(order.Status)),
		slog.Int64("total", order.TotalAmount),
		slog.Int("entitlements", len(ents)),
	)
}

// transitionLocked は状態を変更し、ロック解放後に呼ぶ通知関数を返す。
// 切り離された送信による遷移は通知しない。
func (o *Orchestrator) transitionLocked(to State, s *settlement) func() {
	from := o.state
	o.state = to
	if s != nil && s.detached.Load() {
		return func() {}
	}
	observers := append([]Observer(nil), o.observers...)
	return func() {
		for _, fn := range observers {
			fn(from, to)
		}
	}
}
