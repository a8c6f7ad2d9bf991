// Package wallet はウォレット残高の読み取りモデルを提供する。
// 残高はサーバーの確定値でのみ更新し、ローカルで増減させない。
package wallet

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
)

const (
	// maxPageSize は取引履歴1ページの最大件数。
	maxPageSize = 100
)

// Transport はAPI呼び出しのインターフェース。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Ledger はウォレット残高と取引履歴へのアクセスを提供する。
type Ledger struct {
	api    Transport
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	account model.WalletAccount
	synced  bool
	stale   bool

	// 世代番号。Syncの発行とMarkStaleのたびに進む。
	issued   uint64
	applied  uint64 // 適用済みの応答の世代
	markedAt uint64 // 最後にMarkStaleした世代
}

// NewLedger はLedgerを生成する。
func NewLedger(api Transport, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{api: api, logger: logger, now: time.Now}
}

// Sync はサーバーから残高を取得して置き換える。残高を変更する唯一の操作。
// 応答は発行順で適用する。後から発行したSyncの結果が適用済みの場合や、
// 発行後にMarkStaleされた場合、その応答は古いものとして破棄し現在の値を返す。
func (l *Ledger) Sync(ctx context.Context) (model.WalletAccount, error) {
	l.mu.Lock()
	l.issued++
	gen := l.issued
	l.mu.Unlock()

	var account model.WalletAccount
	if err := l.api.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/wallet"}, &account); err != nil {
		return model.WalletAccount{}, err
	}
	account.LastSyncedAt = l.now()

	l.mu.Lock()
	if gen < l.applied || gen < l.markedAt {
		current, synced := l.account, l.synced
		l.mu.Unlock()
		l.logger.Debug("古いウォレット残高の応答を破棄しました",
			slog.Uint64("generation", gen),
			slog.Int64("balance", account.Balance),
		)
		if synced {
			return current, nil
		}
		return account, nil
	}
	l.account = account
	l.applied = gen
	l.synced = true
	l.stale = false
	l.mu.Unlock()

	l.logger.Debug("ウォレット残高を同期しました", slog.Int64("balance", account.Balance))
	return account, nil
}

// Account は最後に同期した残高を返す。未同期の場合はfalseを返す。
func (l *Ledger) Account() (model.WalletAccount, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.account, l.synced
}

// Stale は残高の再同期が必要かを返す。未同期の場合もtrueを返す。
func (l *Ledger) Stale() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stale || !l.synced
}

// MarkStale は残高を古い値として扱う。購入や入金の後に呼ぶ。
// 発行済みで未着のSync応答は、この時点より前の残高として破棄される。
func (l *Ledger) MarkStale() {
	l.mu.Lock()
	l.issued++
	l.markedAt = l.issued
	l.stale = true
	l.mu.Unlock()
}

// TransactionsPage は取引履歴の指定ページを取得する。ページングはサーバー側で行う。
func (l *Ledger) TransactionsPage(ctx context.Context, page, size int) (model.TransactionPage, error) {
	if page < 1 {
		return model.TransactionPage{}, model.NewValidationError("page", "1以上を指定してください")
	}
	if size < 1 || size > maxPageSize {
		return model.TransactionPage{}, model.NewValidationError("size", "1から"+strconv.Itoa(maxPageSize)+"の範囲で指定してください")
	}

	var result model.TransactionPage
	err := l.api.Send(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   "/wallet/transactions",
		Query: url.Values{
			"page": {strconv.Itoa(page)},
			"size": {strconv.Itoa(size)},
		},
	}, &result)
	if err != nil {
		return model.TransactionPage{}, err
	}
	if result.Page == 0 {
		result.Page = page
	}
	if result.Size == 0 {
		result.Size = size
	}
	return result, nil
}

// Deposit は入金申請を送る。入金の確定はサーバー側で行われるため、
// 残高は変更せず再同期が必要な状態にする。
func (l *Ledger) Deposit(ctx context.Context, amount int64, method string) (model.Deposit, error) {
	if amount <= 0 {
		return model.Deposit{}, model.NewValidationError("amount", "正の値を指定してください")
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return model.Deposit{}, model.NewValidationError("method", "必須です")
	}

	var deposit model.Deposit
	err := l.api.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/wallet/deposit",
		Body:   map[string]any{"amount": amount, "method": method},
	}, &deposit)
	if err != nil {
		return model.Deposit{}, err
	}

	l.MarkStale()
	l.logger.Info("入金を申請しました",
		slog.String("deposit_id", deposit.ID),
		slog.Int64("amount", amount),
		slog.String("status", deposit.Status),
	)
	return deposit, nil
}
