package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/proxyman/internal/session"
)

// DefaultScope はスコープ未指定時に使うセッションスコープ。
const DefaultScope = "default"

// PostgresSessionStorage はPostgreSQLを使用したセッションストレージ。
// 複数ホストで同じログイン状態を共有するために使う。
type PostgresSessionStorage struct {
	db    *sql.DB
	scope string
}

// NewPostgresSessionStorage はPostgresSessionStorageを生成する。
// scopeが空の場合はDefaultScopeを使う。
func NewPostgresSessionStorage(db *sql.DB, scope string) *PostgresSessionStorage {
	if scope == "" {
		scope = DefaultScope
	}
	return &PostgresSessionStorage{db: db, scope: scope}
}

// LoadAll はスコープに属する全キーを取得する。
func (r *PostgresSessionStorage) LoadAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM session_records WHERE scope = $1`,
		r.scope,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session records: %w", err)
	}
	return values, nil
}

// ReplaceAll は既存キーを削除してから全キーを挿入する。
// 途中で失敗した場合はロールバックされ、以前のレコードが残る。
func (r *PostgresSessionStorage) ReplaceAll(ctx context.Context, values map[string]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_records WHERE scope = $1`,
		r.scope,
	); err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}

	for key, value := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_records (scope, key, value, updated_at)
			 VALUES ($1, $2, $3, now())`,
			r.scope, key, value,
		); err != nil {
			return fmt.Errorf("failed to insert session record %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteAll はスコープの全キーを削除する。
func (r *PostgresSessionStorage) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM session_records WHERE scope = $1`,
		r.scope,
	); err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}
	return nil
}

// Load はsession.Storageを実装する。
func (r *PostgresSessionStorage) Load(ctx context.Context) (map[string]string, error) {
	return r.LoadAll(ctx)
}

// Save はsession.Storageを実装する。
func (r *PostgresSessionStorage) Save(ctx context.Context, values map[string]string) error {
	return r.ReplaceAll(ctx, values)
}

// Delete はsession.Storageを実装する。
func (r *PostgresSessionStorage) Delete(ctx context.Context) error {
	return r.DeleteAll(ctx)
}

// compile-time interface check
var (
	_ SessionRecordRepository = (*PostgresSessionStorage)(nil)
	_ session.Storage         = (*PostgresSessionStorage)(nil)
)
