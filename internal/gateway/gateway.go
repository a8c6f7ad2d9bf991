// Package gateway は認証付きAPI呼び出しを仲介する。
// アクセストークンの期限切れを検知すると、同時に失敗した呼び出しをまとめて
// 1回だけトークンを更新し、元のリクエストを1度だけ再送する。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/model"
)

const (
	// defaultTimeout はリクエスト1回あたりの既定タイムアウト。
	defaultTimeout = 15 * time.Second
	// maxResponseBytes は読み取る応答ボディの上限。
	maxResponseBytes = 4 << 20
	// refreshPath はトークン更新エンドポイント。
	refreshPath = "/auth/refresh-token"
)

// SessionStore はゲートウェイが利用するセッション操作。
type SessionStore interface {
	Current() *model.Session
	Commit(ctx context.Context, sess *model.Session) error
	Clear(ctx context.Context) error
}

// Options はGatewayの設定。
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	RateLimit  float64 // 1秒あたりのリクエスト数。0以下で無制限
	Burst      int
	UserAgent  string
	Logger     *slog.Logger
	Metrics    metrics.MetricsCollector
	Now        func() time.Time
}

// Gateway は認証付きAPIクライアント。複数goroutineから同時に利用できる。
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	userAgent  string
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	now        func() time.Time

	store   SessionStore
	renewer *renewer
}

// New はGatewayを生成する。
func New(store SessionStore, opts Options) *Gateway {
	g := &Gateway{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		userAgent:  opts.UserAgent,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		store:      store,
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{}
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.userAgent == "" {
		g.userAgent = "proxyman/1.0"
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.NopCollector{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	g.renewer = newRenewer(g)
	return g
}

// Send は現在のセッションの資格情報を付けてリクエストを送る。
// 成功応答のdataはoutにデコードされる（outがnilの場合は破棄）。
//
// 401を受けた場合は進行中の更新に合流するか新たに更新を開始し、
// 更新後の資格情報で1度だけ再送する。再送も401の場合はSessionExpiredを返し、
// セッションが拒否されたトークンのままであれば消去する。
func (g *Gateway) Send(ctx context.Context, req Request, out any) error {
	sess := g.store.Current()
	if sess == nil {
		return model.NewUnauthenticatedError()
	}

	state := stateFresh
	token := sess.AccessToken
	for {
		resp, err := g.dispatch(ctx, req, token)
		if err != nil {
			return err
		}
		if !resp.unauthorized() {
			return resp.decode(out)
		}

		if state == stateRetried {
			state = stateTerminal
			g.logger.Warn("更新後の資格情報が拒否されました",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.String("state", state.String()),
			)
			g.renewer.expireIfCurrent(context.WithoutCancel(ctx), token)
			return model.NewSessionExpiredError(errors.New("更新後の資格情報が拒否されました"))
		}

		renewed, err := g.renewer.renew(ctx, token)
		if err != nil {
			return err
		}
		token = renewed.AccessToken
		state = stateRetried
	}
}

// SendAnonymous は資格情報なしでリクエストを送る。ログインとトークン更新に使う。
// 401を受けても更新や再送は行わない。
func (g *Gateway) SendAnonymous(ctx context.Context, req Request, out any) error {
	resp, err := g.dispatch(ctx, req, "")
	if err != nil {
		return err
	}
	return resp.decode(out)
}

// dispatch はHTTPリクエストを1回送り、応答ボディを読み取る。
// 通信失敗とタイムアウトはNetworkErrorとして返す。
func (g *Gateway) dispatch(ctx context.Context, req Request, token string) (*response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, contextError(ctx, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	httpReq, err := g.newHTTPRequest(ctx, req, token)
	if err != nil {
		return nil, err
	}
	requestID := httpReq.Header.Get("X-Request-ID")

	start := g.now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		elapsed := g.now().Sub(start)
		g.metrics.RecordRequest(req.Method, 0, elapsed)
		g.logger.Warn("APIリクエストに失敗しました",
			slog.String("request_id", requestID),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := g.now().Sub(start)
	g.metrics.RecordRequest(req.Method, resp.StatusCode, elapsed)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	g.logger.Debug("APIリクエストが完了しました",
		slog.String("request_id", requestID),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
	)
	return newResponse(resp.StatusCode, body), nil
}

func (g *Gateway) newHTTPRequest(ctx context.Context, req Request, token string) (*http.Request, error) {
	target := g.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", g.userAgent)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// transportError は通信エラーをNetworkErrorに分類する。
func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return model.NewTimeoutError(err)
	}
	return model.NewNetworkError(err)
}

// contextError はcontext終了による中断をNetworkErrorに分類する。
func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError(err)
	}
	return model.NewNetworkError(err)
}
