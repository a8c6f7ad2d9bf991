// Package session は認証セッションの保持と永続化を扱う。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/proxyman/internal/model"
)

// persistedUser は永続化キー "user" に保存するJSON。
type persistedUser struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Roles  []model.Role `json:"roles"`
	Expiry *time.Time   `json:"expiry,omitempty"`
}

// Store は現在のセッションを保持する。
// Commitは永続化に成功してからメモリ上のセッションを差し替える。
type Store struct {
	storage Storage
	logger  *slog.Logger

	// writeMu はCommitとClearを直列化する。
	writeMu sync.Mutex

	mu      sync.RWMutex
	current *model.Session
}

// NewStore はStoreを生成する。
func NewStore(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storage: storage, logger: logger}
}

// Initialize は永続化されたセッションを読み込む。
// 未保存の場合はnilを返す。破損したレコードはセッションなしとして扱い、削除する。
func (s *Store) Initialize(ctx context.Context) (*model.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	values, err := s.storage.Load(ctx)
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess *model.Session
	if err == nil {
		sess, err = decode(values)
	}
	if err != nil {
		s.logger.Warn("破損したセッションレコードを破棄しました", slog.String("error", err.Error()))
		if delErr := s.storage.Delete(ctx); delErr != nil {
			return nil, fmt.Errorf("failed to purge corrupt session: %w", delErr)
		}
		sess = nil
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	if sess == nil {
		return nil, nil
	}
	return sess.Clone(), nil
}

// Commit はセッションを永続化し、メモリ上のセッションを置き換える。
// 永続化に失敗した場合、メモリ上のセッションは変更しない。
func (s *Store) Commit(ctx context.Context, sess *model.Session) error {
	if sess == nil {
		return errors.New("session: commit of nil session")
	}
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		return errors.New("session: commit requires both tokens")
	}

	values, err := encode(sess)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.storage.Save(ctx, values); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.current = sess.Clone()
	s.mu.Unlock()

	s.logger.Debug("セッションを保存しました", slog.String("subject", sess.SubjectID))
	return nil
}

// Clear は永続化されたセッションとメモリ上のセッションを消去する。
// 永続化側の削除に失敗してもメモリ上のセッションは消去する。
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if err := s.storage.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete persisted session: %w", err)
	}
	s.logger.Debug("セッションを削除しました")
	return nil
}

// Current はメモリ上のセッションのコピーを返す。I/Oは行わない。
func (s *Store) Current() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

func encode(sess *model.Session) (map[string]string, error) {
	user, err := json.Marshal(persistedUser{
		ID:     sess.SubjectID,
		Name:   sess.DisplayName,
		Roles:  sess.Roles,
		Expiry: sess.Expiry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session user: %w", err)
	}
	return map[string]string{
		KeyAccessToken:  sess.AccessToken,
		KeyRefreshToken: sess.RefreshToken,
		KeyUser:         string(user),
	}, nil
}

// decode は永続化レコードをSessionに変換する。
// 3つのキーがすべて空の場合は未保存とみなしnilを返す。
func decode(values map[string]string) (*model.Session, error) {
	access := values[KeyAccessToken]
	refresh := values[KeyRefreshToken]
	rawUser := values[KeyUser]

	if access == "" && refresh == "" && rawUser == "" {
		return nil, nil
	}
	if access == "" || refresh == "" || rawUser == "" {
		return nil, fmt.Errorf("%w: missing keys", ErrCorruptRecord)
	}

	var u persistedUser
	if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("%w: user id is empty", ErrCorruptRecord)
	}

	return &model.Session{
		SubjectID:    u.ID,
		DisplayName:  u.Name,
		Roles:        u.Roles,
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       u.Expiry,
	}, nil
}
