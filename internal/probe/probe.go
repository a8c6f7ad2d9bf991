// Package probe は利用権を経由して任意のURLを取得し、接続性を確認する。
// 結果は表示用で、トラッカーのステータスには反映しない。
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"

	"github.com/hitoshi/proxyman/internal/model"
	"github.com/hitoshi/proxyman/internal/proxy"
)

const (
	// DefaultTarget は出口IPを返す確認用URL。
	DefaultTarget  = "https://api.ipify.org"
	defaultTimeout = 10 * time.Second
	// maxSnippet は結果に含める本文の最大バイト数。
	maxSnippet = 512
)

// Result は1回の確認結果。
type Result struct {
	EntitlementID string        `json:"id"`
	Target        string        `json:"target"`
	StatusCode    int           `json:"status_code"`
	Latency       time.Duration `json:"latency"`
	Snippet       string        `json:"snippet"`
}

// Prober は利用権を経由したHTTP取得を行う。
type Prober struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber はProberを生成する。timeoutが0以下の場合は既定値を使う。
func NewProber(timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{timeout: timeout, logger: logger}
}

// Probe はtargetを利用権経由で取得する。
func (p *Prober) Probe(ctx context.Context, e model.ProxyEntitlement, target string) (Result, error) {
	if target == "" {
		target = DefaultTarget
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{}, model.NewValidationError("target", "http(s)のURLを指定してください")
	}

	transport, err := p.transport(e)
	if err != nil {
		return Result{}, err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   p.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnippet))
	if err != nil {
		return Result{}, classify(err)
	}
	latency := time.Since(start)

	p.logger.Info("プローブが完了しました",
		slog.String("id", e.ID),
		slog.String("target", u.Host),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", latency),
	)

	return Result{
		EntitlementID: e.ID,
		Target:        u.String(),
		StatusCode:    resp.StatusCode,
		Latency:       latency,
		Snippet:       strings.TrimSpace(string(body)),
	}, nil
}

// transport はプロトコルに応じたhttp.Transportを組み立てる。
// socks5はoutline-sdkのストリームダイアラー、http/httpsはHTTPプロキシとして扱う。
func (p *Prober) transport(e model.ProxyEntitlement) (*http.Transport, error) {
	conn, err := proxy.ConnectionString(e, proxy.FormatURL)
	if err != nil {
		return nil, err
	}

	switch e.Protocol {
	case model.ProtocolSOCKS5:
		dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(conn)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if !strings.HasPrefix(network, "tcp") {
					return nil, fmt.Errorf("protocol not supported: %v", network)
				}
				return dialer.DialStream(ctx, addr)
			},
		}, nil
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		proxyURL, err := url.Parse(conn)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}, nil
	}
	return nil, model.NewValidationError("protocol", string(e.Protocol)+" はプローブに対応していません")
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.NewTimeoutError(err)
	}
	return model.NewNetworkError(err)
}
