// Package app はproxyman CLIの依存関係の組み立てとコマンド実行を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hitoshi/proxyman/internal/admin"
	"github.com/hitoshi/proxyman/internal/auth"
	"github.com/hitoshi/proxyman/internal/catalog"
	"github.com/hitoshi/proxyman/internal/config"
	"github.com/hitoshi/proxyman/internal/database"
	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/logger"
	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/order"
	"github.com/hitoshi/proxyman/internal/proxy"
	"github.com/hitoshi/proxyman/internal/repository"
	"github.com/hitoshi/proxyman/internal/security"
	"github.com/hitoshi/proxyman/internal/session"
	"github.com/hitoshi/proxyman/internal/wallet"
)

// Init は設定を読み込み、JSON構造化ログをセットアップする。
// 設定読み込み前にもログを使えるよう、先にInfoレベルで初期化する。
// debugがtrueの場合は設定のLOG_LEVELに関わらずDebugレベルにする。
func Init(w io.Writer, load func() (*config.Config, error), debug bool) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数と設定ファイルから設定を読み込む
	cfg, err := load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if debug {
		level = slog.LevelDebug
	}
	return cfg, logger.SetupDefault(w, level), nil
}

// Run はCLIのエントリーポイント。argsにはos.Args[1:]を渡す。
// コマンドの出力はstdoutに、ログはstderrに書き出す。
func Run(stdout, stderr io.Writer, args []string) error {
	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if len(args) > 0 && args[0] == "healthcheck" {
		port := os.Getenv("PROXYMAN_SANDBOX_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	return execute(&runEnv{stdin: os.Stdin, stdout: stdout, stderr: stderr}, args)
}

// execute はコマンドツリーを組み立てて実行する。
func execute(rt *runEnv, args []string) error {
	defer rt.close()

	ctx, stop := signalContext(context.Background())
	defer stop()

	root := newRootCommand(rt)
	root.SetArgs(args)
	root.SetOut(rt.stdout)
	root.SetErr(rt.stderr)
	root.SetIn(rt.stdin)
	return root.ExecuteContext(ctx)
}

// runEnv は1回のコマンド実行で共有する状態。
type runEnv struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	debug   bool
	jsonOut bool

	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

// init はコマンドに応じた設定を読み込む。
func (rt *runEnv) init(load func() (*config.Config, error)) error {
	cfg, l, err := Init(rt.stderr, load, rt.debug)
	if err != nil {
		return err
	}
	rt.cfg, rt.logger = cfg, l
	return nil
}

func (rt *runEnv) out() printer {
	return printer{w: rt.stdout, json: rt.jsonOut}
}

func (rt *runEnv) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil && rt.logger != nil {
			rt.logger.Warn("リソースの解放に失敗しました", slog.String("error", err.Error()))
		}
	}
	rt.closers = nil
}

// client はAPIクライアント一式。
type client struct {
	store   *session.Store
	gateway *gateway.Gateway
	auth    *auth.Service
	catalog *catalog.Service
	ledger  *wallet.Ledger
	tracker *proxy.Tracker
	orders  *order.Service
	admin   *admin.Service
	metrics metrics.MetricsCollector
}

// newClient はセッションストレージからAPIサービスまでをワイヤリングし、
// 永続化されたセッションを復元する。
func (rt *runEnv) newClient(ctx context.Context, collector metrics.MetricsCollector) (*client, error) {
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	// 1. セッションストレージ
	storage, err := rt.sessionStorage(ctx)
	if err != nil {
		return nil, err
	}
	store := session.NewStore(storage, rt.logger)

	// 2. APIゲートウェイ
	gw := gateway.New(store, gateway.Options{
		BaseURL:   rt.cfg.APIBaseURL,
		Timeout:   rt.cfg.RequestTimeout,
		RateLimit: rt.cfg.RateLimitRPS,
		Burst:     rt.cfg.RateLimitBurst,
		UserAgent: rt.cfg.UserAgent,
		Logger:    rt.logger,
		Metrics:   collector,
	})

	// 3. ドメインサービス
	authService := auth.NewService(gw, store, rt.logger)
	if _, err := authService.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	return &client{
		store:   store,
		gateway: gw,
		auth:    authService,
		catalog: catalog.NewService(gw, rt.cfg.CatalogTTL, rt.logger),
		ledger:  wallet.NewLedger(gw, rt.logger),
		tracker: proxy.NewTracker(gw, security.NewTextSanitizer(), rt.logger),
		orders:  order.NewService(gw),
		admin:   admin.NewService(gw, authService, rt.logger),
		metrics: collector,
	}, nil
}

// sessionStorage は設定されたバックエンドのセッションストレージを返す。
func (rt *runEnv) sessionStorage(ctx context.Context) (session.Storage, error) {
	switch rt.cfg.SessionBackend {
	case config.SessionBackendMemory:
		return session.NewMemoryStorage(), nil
	case config.SessionBackendPostgres:
		db, err := database.OpenAndPing(ctx, rt.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.closers = append(rt.closers, db)
		rt.logger.Debug("セッションストアにPostgreSQLを使用します",
			slog.String("database_url", maskDatabaseURL(rt.cfg.DatabaseURL)),
		)
		return repository.NewPostgresSessionStorage(db, repository.DefaultScope), nil
	default:
		return session.NewFileStorage(rt.cfg.SessionDir), nil
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
