// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import "context"

// SessionRecordRepository はセッションレコードの永続化インターフェース。
// レコードはスコープごとのkey/valueの集合として保存される。
type SessionRecordRepository interface {
	// LoadAll はスコープに属する全キーを取得する。未保存の場合は空のmapを返す。
	LoadAll(ctx context.Context) (map[string]string, error)
	// ReplaceAll はスコープの全キーを同一トランザクションで置き換える。
	ReplaceAll(ctx context.Context, values map[string]string) error
	// DeleteAll はスコープの全キーを削除する。
	DeleteAll(ctx context.Context) error
}
