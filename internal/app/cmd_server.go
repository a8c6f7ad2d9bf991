package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/hitoshi/proxyman/internal/config"
	"github.com/hitoshi/proxyman/internal/database"
	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/monitor"
	"github.com/hitoshi/proxyman/internal/repository"
	"github.com/hitoshi/proxyman/internal/sandbox"
	"github.com/hitoshi/proxyman/internal/worker/cleanup"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMonitorCommand(rt *runEnv) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "購入済みプロキシのステータスを定期的に確認する",
		Long: `利用権一覧の再取得、期限切れの除去、ステータス確認を一定間隔で繰り返す。
常駐時は /metrics でPrometheusメトリクスを公開する。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.init(config.Load); err != nil {
				return err
			}
			ctx := cmd.Context()

			reg := newRegistry()
			collector := metrics.NewCollector(reg)
			c, err := rt.newClient(ctx, collector)
			if err != nil {
				return err
			}
			if _, err := c.auth.CurrentUser(); err != nil {
				return err
			}

			mon := monitor.NewMonitor(c.tracker, collector, rt.logger, rt.cfg.MonitorMaxConcurrent)
			if once {
				summary, err := mon.RunOnce(ctx)
				if err != nil {
					return err
				}
				return rt.out().message(summary, "確認: %d件 (失敗 %d件, 期限切れ除去 %d件)", summary.Checked, summary.Failed, summary.Pruned)
			}

			server := &http.Server{
				Addr:              ":" + rt.cfg.MetricsPort,
				Handler:           metrics.SetupMetricsRoute(reg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				slog.Info("metrics server starting", slog.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server listen error", slog.String("error", err.Error()))
				}
			}()

			// 監視ループをメインgoroutineで実行（ブロッキング）
			mon.Start(ctx, rt.cfg.MonitorInterval)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("metrics server shutdown failed: %w", err)
			}
			slog.Info("monitor stopped gracefully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "1サイクルだけ実行して終了する")
	return cmd
}

// sandboxRateLimit は1分あたりのリクエスト数をレートリミッターの設定に変換する。
func sandboxRateLimit(perMinute int) middleware.RateLimiterConfig {
	cfg := middleware.DefaultRateLimiterConfig()
	cfg.Rate = rate.Limit(float64(perMinute) / 60.0)
	cfg.Burst = perMinute
	return cfg
}

func newSandboxCommand(rt *runEnv) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "デモ用のインメモリAPIサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.init(config.LoadSandbox); err != nil {
				return err
			}
			if port == "" {
				port = rt.cfg.SandboxPort
			}

			srv := sandbox.New(sandbox.Options{
				Secret:    []byte(rt.cfg.SandboxSecret),
				AccessTTL: rt.cfg.SandboxAccessTTL,
				RateLimit: sandboxRateLimit(rt.cfg.SandboxRateLimit),
				Logger:    rt.logger,
				Registry:  newRegistry(),
			})
			defer srv.Close()
			if err := srv.SeedDemo(); err != nil {
				return fmt.Errorf("failed to seed sandbox: %w", err)
			}

			server := &http.Server{
				Addr:         ":" + port,
				Handler:      srv.Handler(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("sandbox server starting",
					slog.String("addr", server.Addr),
					slog.String("demo_user", sandbox.DemoEmail),
				)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err, ok := <-errCh:
				if ok {
					return fmt.Errorf("sandbox server listen error: %w", err)
				}
				return nil
			case <-cmd.Context().Done():
			}
			slog.Info("shutting down sandbox server...")

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			slog.Info("sandbox server stopped gracefully")
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "待ち受けポート（既定値は設定のSANDBOX_PORT）")
	return cmd
}

func newMigrateCommand(rt *runEnv) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "共有セッションストアのマイグレーションを実行する",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rt.init(config.LoadSandbox); err != nil {
				return err
			}
			if rt.cfg.DatabaseURL == "" {
				return fmt.Errorf("required environment variables are not set: [PROXYMAN_DATABASE_URL]")
			}
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			return runMigrate(rt, action, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "downで戻すステップ数")
	return cmd
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(rt *runEnv, action string, steps int) error {
	url := rt.cfg.DatabaseURL
	slog.Info("running database migrations",
		slog.String("action", action),
		slog.String("database_url", maskDatabaseURL(url)),
	)

	switch action {
	case "up":
		if err := database.RunMigrations(url); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "down":
		if err := database.RollbackMigrations(url, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case "version":
		version, dirty, err := database.MigrationVersion(url)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		return rt.out().message(map[string]any{"version": version, "dirty": dirty}, "version %d (dirty=%t)", version, dirty)
	default:
		return fmt.Errorf("unknown migrate action: %q", action)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

func newSessionsCommand(rt *runEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "共有セッションストアの管理",
	}

	var days int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "一定期間使われていないプロファイルのセッションを削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.init(config.LoadSandbox); err != nil {
				return err
			}
			if rt.cfg.DatabaseURL == "" {
				return fmt.Errorf("required environment variables are not set: [PROXYMAN_DATABASE_URL]")
			}
			db, err := database.OpenAndPing(cmd.Context(), rt.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			rt.closers = append(rt.closers, db)

			job := cleanup.NewSessionCleanupJob(db, rt.logger)
			job.RetentionDays = days
			job.KeepScope = repository.DefaultScope
			deleted, err := job.Run(cmd.Context())
			if err != nil {
				return err
			}
			return rt.out().message(map[string]int64{"deleted": deleted}, "削除しました: %d件", deleted)
		},
	}
	pruneCmd.Flags().IntVar(&days, "days", 30, "この日数より古いプロファイルを削除する")
	cmd.AddCommand(pruneCmd)
	return cmd
}
