// Package cleanup は共有セッションストアの整理ジョブを提供する。
// 一定期間更新されていないスコープのセッションレコードを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionCleanupJob は放置されたプロファイルのセッションを削除するジョブ。
// スコープ内の最新の更新がRetentionDays日より古い場合、そのスコープ全体を削除する。
type SessionCleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int    // 保持日数（デフォルト: 30）
	KeepScope     string // 削除対象から除外するスコープ（実行中のプロファイル）
}

// NewSessionCleanupJob は新しいSessionCleanupJobを生成する。
func NewSessionCleanupJob(db Executor, logger *slog.Logger) *SessionCleanupJob {
	return &SessionCleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 30,
	}
}

const deleteStaleScopesQuery = `DELETE FROM session_records
WHERE scope <> $2
  AND scope IN (
    SELECT scope FROM session_records
    GROUP BY scope
    HAVING max(updated_at) < now() - $1::interval
  )`

// Run は保持期間を超過したスコープのセッションレコードを削除し、削除件数を返す。
// 削除対象がない場合もエラーにならない。
func (j *SessionCleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx, deleteStaleScopesQuery, interval, j.KeepScope)
	if err != nil {
		j.logger.Error("セッションクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.String("keep_scope", j.KeepScope),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deletedCount, nil
}
