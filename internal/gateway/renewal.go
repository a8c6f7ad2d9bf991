package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/model"
	"github.com/hitoshi/proxyman/internal/session"
)

// renewCall は進行中のトークン更新1回分。doneのclose後にsessとerrが確定する。
type renewCall struct {
	done chan struct{}
	sess *model.Session
	err  error
}

// renewer は同時に発生した更新要求を1回の更新にまとめる。
// 更新は失敗したアクセストークンをキーに合流し、すでに別のトークンに
// 置き換わっている場合は更新せずに現在のセッションを返す。
type renewer struct {
	g *Gateway

	mu       sync.Mutex
	inflight *renewCall
}

func newRenewer(g *Gateway) *renewer {
	return &renewer{g: g}
}

// renew は failedToken を置き換える資格情報を返す。
// ctxが先に終了した場合は待機をやめるが、更新自体は継続する。
func (r *renewer) renew(ctx context.Context, failedToken string) (*model.Session, error) {
	r.mu.Lock()
	cur := r.g.store.Current()
	if cur == nil {
		r.mu.Unlock()
		return nil, model.NewSessionExpiredError(errors.New("session already cleared"))
	}
	if cur.AccessToken != failedToken {
		r.mu.Unlock()
		return cur, nil
	}

	call := r.inflight
	if call == nil {
		call = &renewCall{done: make(chan struct{})}
		r.inflight = call
		go r.run(call, cur)
	}
	r.mu.Unlock()

	select {
	case <-call.done:
		return call.sess, call.err
	case <-ctx.Done():
		return nil, contextError(ctx, ctx.Err())
	}
}

// run は更新リクエストを送り、結果をcallに格納する。
// 最初の呼び出し元から切り離したcontextで実行する。
func (r *renewer) run(call *renewCall, cur *model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), r.g.timeout)
	defer cancel()

	sess, err := r.refresh(ctx, cur)

	r.mu.Lock()
	call.sess, call.err = sess, err
	r.inflight = nil
	r.mu.Unlock()
	close(call.done)
}

func (r *renewer) refresh(ctx context.Context, cur *model.Session) (*model.Session, error) {
	logger := r.g.logger.With(slog.String("subject", cur.SubjectID))

	resp, err := r.g.dispatch(ctx, Request{
		Method: http.MethodPost,
		Path:   refreshPath,
		Body:   map[string]string{"refresh_token": cur.RefreshToken},
	}, "")
	if err != nil {
		// 通信失敗ではリフレッシュトークンは消費されていないためセッションを残す
		r.g.metrics.RecordRenewal(metrics.RenewalNetwork)
		logger.Warn("トークン更新の通信に失敗しました", slog.String("error", err.Error()))
		return nil, err
	}

	if !resp.success() && (resp.statusCode >= 500 || resp.statusCode == http.StatusTooManyRequests) {
		r.g.metrics.RecordRenewal(metrics.RenewalNetwork)
		logger.Warn("トークン更新APIが利用できません", slog.Int("status", resp.statusCode))
		return nil, resp.classify()
	}

	var tokens session.Tokens
	if err := resp.decode(&tokens); err != nil {
		r.g.metrics.RecordRenewal(metrics.RenewalRefused)
		logger.Info("トークン更新が拒否されました", slog.Int("status", resp.statusCode))
		return nil, r.expire(ctx, err)
	}

	next, err := session.FromTokens(tokens, cur, r.g.now())
	if err != nil {
		r.g.metrics.RecordRenewal(metrics.RenewalRefused)
		return nil, r.expire(ctx, err)
	}
	if err := r.g.store.Commit(ctx, next); err != nil {
		// 新しいトークンを保存できず、古いリフレッシュトークンも使えないため終了扱い
		r.g.metrics.RecordRenewal(metrics.RenewalRefused)
		logger.Error("更新したセッションの保存に失敗しました", slog.String("error", err.Error()))
		return nil, r.expire(ctx, err)
	}

	r.g.metrics.RecordRenewal(metrics.RenewalSuccess)
	logger.Debug("トークンを更新しました")
	return next, nil
}

// expireIfCurrent は現在のセッションが rejectedToken を持ち、更新が進行中でない場合に
// セッションを消去する。すでに新しいセッションが保存されている場合は何もしない。
func (r *renewer) expireIfCurrent(ctx context.Context, rejectedToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.g.store.Current()
	if cur == nil || cur.AccessToken != rejectedToken || r.inflight != nil {
		r.g.logger.Debug("新しいセッションが保存済みのため削除しません")
		return
	}
	if err := r.g.store.Clear(ctx); err != nil {
		r.g.logger.Error("セッションの削除に失敗しました", slog.String("error", err.Error()))
	}
}

// expire はセッションを消去してSessionExpiredを返す。
func (r *renewer) expire(ctx context.Context, cause error) error {
	if err := r.g.store.Clear(ctx); err != nil {
		r.g.logger.Error("セッションの削除に失敗しました", slog.String("error", err.Error()))
	}
	return model.NewSessionExpiredError(cause)
}
