package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// 永続化レコードの固定キー
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Keys は永続化に使う全キー。
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyUser}

// ErrCorruptRecord は永続化レコードが読み取れない状態であることを示す。
// Storeはこのエラーを「セッションなし」として扱い、レコードを破棄する。
var ErrCorruptRecord = errors.New("session: corrupt persisted record")

// Storage はセッションレコードの永続化インターフェース。
// Saveは全キーを原子的に置き換えなければならない。
type Storage interface {
	// Load は保存済みの値を返す。未保存の場合は空のmapを返す。
	Load(ctx context.Context) (map[string]string, error)
	// Save は全キーを原子的に置き換える。
	Save(ctx context.Context, values map[string]string) error
	// Delete は全キーを削除する。未保存でもエラーにしない。
	Delete(ctx context.Context) error
}

// FileStorage はディレクトリ内のJSONファイルにセッションを保存する。
// 一時ファイルへの書き込みとrenameにより、3つのキーを原子的に置き換える。
type FileStorage struct {
	dir  string
	name string
}

// NewFileStorage はFileStorageを生成する。dirが存在しない場合はSave時に作成する。
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir, name: "session.json"}
}

// Path は保存先ファイルのパスを返す。
func (f *FileStorage) Path() string {
	return filepath.Join(f.dir, f.name)
}

// Load は保存済みの値を返す。
func (f *FileStorage) Load(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(f.Path())
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return values, nil
}

// Save は全キーを一時ファイル経由で書き込む。
func (f *FileStorage) Save(_ context.Context, values map[string]string) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, f.name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename成功後はno-op

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp session file: %w", err)
	}

	if err := os.Rename(tmpName, f.Path()); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Delete はセッションファイルを削除する。
func (f *FileStorage) Delete(_ context.Context) error {
	if err := os.Remove(f.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// MemoryStorage はプロセス内でのみ保持するStorage。テストとサンドボックス用。
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStorage はMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string]string{}}
}

// Load は保存済みの値のコピーを返す。
func (m *MemoryStorage) Load(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values), nil
}

// Save は全キーを置き換える。
func (m *MemoryStorage) Save(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = maps.Clone(values)
	return nil
}

// Delete は全キーを削除する。
func (m *MemoryStorage) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = map[string]string{}
	return nil
}

// compile-time interface check
var (
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
