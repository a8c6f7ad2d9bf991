// Package monitor は利用権のステータスを定期的に確認するバックグラウンド処理を提供する。
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/model"
)

// defaultMaxConcurrency はステータス確認の最大並列数の既定値。
const defaultMaxConcurrency = 4

// Tracker は監視対象の利用権を管理するインターフェース。
type Tracker interface {
	Refresh(ctx context.Context) ([]model.ProxyEntitlement, error)
	Prune(now time.Time) int
	List() []model.ProxyEntitlement
	CheckStatus(ctx context.Context, id string) (model.HealthResult, error)
	StatusCounts() map[string]int
}

// Monitor は利用権一覧の再取得、期限切れの除去、ステータス確認を1サイクルとして繰り返す。
// ステータス確認はsemaphoreパターンで最大並列数を制御する。
type Monitor struct {
	tracker        Tracker
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewMonitor はMonitorを生成する。
// maxConcurrencyが0以下の場合は既定値を使用する。
func NewMonitor(tracker Tracker, collector metrics.MetricsCollector, logger *slog.Logger, maxConcurrency int) *Monitor {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		tracker:        tracker,
		metrics:        collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start は指定間隔でサイクルを実行する。起動直後に1回実行し、ctxがキャンセルされるまで継続する。
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("ステータス監視を開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", m.maxConcurrency),
	)

	m.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ステータス監視を停止しました")
			return
		case <-ticker.C:
			m.runLogged(ctx)
		}
	}
}

func (m *Monitor) runLogged(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error("監視サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Summary は1サイクルの結果。
type Summary struct {
	Checked int
	Failed  int
	Pruned  int
}

// RunOnce は1サイクルを実行する。
// 一覧の再取得に失敗した場合はサイクルを中断する。個別の確認失敗はSummaryに数える。
func (m *Monitor) RunOnce(ctx context.Context) (Summary, error) {
	start := m.now()
	var sum Summary

	if _, err := m.tracker.Refresh(ctx); err != nil {
		m.metrics.RecordHealthCheckFailure("refresh")
		return sum, err
	}
	sum.Pruned = m.tracker.Prune(start)

	var targets []model.ProxyEntitlement
	for _, e := range m.tracker.List() {
		if !e.Expired(start) {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		m.logger.Info("ステータス確認の対象はありません")
		m.metrics.SetEntitlementCounts(m.tracker.StatusCounts())
		return sum, nil
	}

	m.logger.Info("監視サイクルを開始します",
		slog.Int("entitlement_count", len(targets)),
		slog.Int("pruned", sum.Pruned),
	)

	sem := make(chan struct{}, m.maxConcurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, e := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{} // semaphore取得

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			checkStart := time.Now()
			res, err := m.tracker.CheckStatus(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				m.metrics.RecordHealthCheckFailure(failureReason(err))
				m.logger.Warn("ステータス確認に失敗しました",
					slog.String("id", id),
					slog.String("error", err.Error()),
				)
				return
			}
			sum.Checked++
			m.metrics.RecordHealthCheck(string(res.Status), time.Since(checkStart))
		}(e.ID)
	}

	wg.Wait()
	m.metrics.SetEntitlementCounts(m.tracker.StatusCounts())

	m.logger.Info("監視サイクルが完了しました",
		slog.Int("checked", sum.Checked),
		slog.Int("failed", sum.Failed),
		slog.Float64("duration_ms", float64(m.now().Sub(start).Milliseconds())),
	)
	return sum, nil
}

// failureReason はメトリクスのラベルに使う失敗理由を返す。
func failureReason(err error) string {
	switch kind := model.KindOf(err); kind {
	case "":
		return "unknown"
	default:
		return string(kind)
	}
}
