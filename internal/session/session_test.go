package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/proxyman/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// failingStorage はテスト用のStorage。各関数を差し替えられる。
type failingStorage struct {
	loadFn   func(ctx context.Context) (map[string]string, error)
	saveFn   func(ctx context.Context, values map[string]string) error
	deleteFn func(ctx context.Context) error
}

func (f *failingStorage) Load(ctx context.Context) (map[string]string, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx)
	}
	return map[string]string{}, nil
}

func (f *failingStorage) Save(ctx context.Context, values map[string]string) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, values)
	}
	return nil
}

func (f *failingStorage) Delete(ctx context.Context) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx)
	}
	return nil
}

func testSession() *model.Session {
	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &model.Session{
		SubjectID:    "user-1",
		DisplayName:  "Taro",
		Roles:        []model.Role{model.RoleCustomer},
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       &exp,
	}
}

func TestStore_Initialize_Empty(t *testing.T) {
	store := NewStore(NewMemoryStorage(), nil)

	sess, err := store.Initialize(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil session, got %+v", sess)
	}
	if store.Current() != nil {
		t.Error("Current() should be nil")
	}
}

func TestStore_CommitAndInitialize_RoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewFileStorage(t.TempDir())

	if err := NewStore(storage, nil).Commit(ctx, testSession()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// 新しいプロセスを想定して別のStoreから読み込む
	restored, err := NewStore(storage, nil).Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if restored == nil {
		t.Fatal("expected restored session")
	}
	want := testSession()
	if restored.SubjectID != want.SubjectID || restored.AccessToken != want.AccessToken ||
		restored.RefreshToken != want.RefreshToken || restored.DisplayName != want.DisplayName {
		t.Errorf("restored = %+v, want %+v", restored, want)
	}
	if restored.Expiry == nil || !restored.Expiry.Equal(*want.Expiry) {
		t.Errorf("Expiry = %v, want %v", restored.Expiry, want.Expiry)
	}
	if !restored.HasRole(model.RoleCustomer) {
		t.Error("roles should survive persistence")
	}
}

func TestStore_Commit_PersistFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	storage := &failingStorage{}
	store := NewStore(storage, nil)

	if err := store.Commit(ctx, testSession()); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}

	storage.saveFn = func(context.Context, map[string]string) error {
		return errors.New("disk full")
	}
	next := testSession()
	next.AccessToken = "access-2"

	if err := store.Commit(ctx, next); err == nil {
		t.Fatal("expected error from failing storage")
	}
	if got := store.Current().AccessToken; got != "access-1" {
		t.Errorf("AccessToken = %q, want %q (memory must not change)", got, "access-1")
	}
}

func TestStore_Commit_RejectsIncompleteSession(t *testing.T) {
	store := NewStore(NewMemoryStorage(), nil)

	sess := testSession()
	sess.RefreshToken = ""
	if err := store.Commit(context.Background(), sess); err == nil {
		t.Error("expected error for session without refresh token")
	}
	if err := store.Commit(context.Background(), nil); err == nil {
		t.Error("expected error for nil session")
	}
}

func TestStore_Current_ReturnsCopy(t *testing.T) {
	store := NewStore(NewMemoryStorage(), nil)
	if err := store.Commit(context.Background(), testSession()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got := store.Current()
	got.AccessToken = "mutated"

	if store.Current().AccessToken != "access-1" {
		t.Error("mutating the returned session must not affect the store")
	}
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storage := NewFileStorage(dir)
	store := NewStore(storage, nil)

	if err := store.Commit(ctx, testSession()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if store.Current() != nil {
		t.Error("Current() should be nil after Clear")
	}
	if _, err := os.Stat(storage.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session file should be removed, stat err = %v", err)
	}

	// 2回目のClearもエラーにならない
	if err := store.Clear(ctx); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestStore_Clear_DeleteFailureStillClearsMemory(t *testing.T) {
	storage := &failingStorage{deleteFn: func(context.Context) error { return errors.New("io error") }}
	store := NewStore(storage, nil)
	if err := store.Commit(context.Background(), testSession()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := store.Clear(context.Background()); err == nil {
		t.Error("expected error from failing delete")
	}
	if store.Current() != nil {
		t.Error("memory session should be cleared even when delete fails")
	}
}

func TestStore_Initialize_CorruptRecordIsPurged(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"missing refresh token", map[string]string{KeyAccessToken: "a", KeyUser: `{"id":"u"}`}},
		{"undecodable user", map[string]string{KeyAccessToken: "a", KeyRefreshToken: "r", KeyUser: "{not json"}},
		{"empty user id", map[string]string{KeyAccessToken: "a", KeyRefreshToken: "r", KeyUser: `{"name":"x"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := NewMemoryStorage()
			if err := storage.Save(ctx, tt.values); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			var buf bytes.Buffer
			store := NewStore(storage, newTestLogger(&buf))

			sess, err := store.Initialize(ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sess != nil {
				t.Errorf("corrupt record should yield nil session, got %+v", sess)
			}

			left, _ := storage.Load(ctx)
			if len(left) != 0 {
				t.Errorf("corrupt record should be purged, left = %v", left)
			}
			if !strings.Contains(buf.String(), "破損") {
				t.Errorf("expected warning log, got %q", buf.String())
			}
		})
	}
}

func TestStore_Initialize_CorruptFileIsPurged(t *testing.T) {
	dir := t.TempDir()
	storage := NewFileStorage(dir)
	if err := os.WriteFile(storage.Path(), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sess, err := NewStore(storage, nil).Initialize(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != nil {
		t.Error("expected nil session for corrupt file")
	}
	if _, err := os.Stat(storage.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("corrupt file should be removed")
	}
}

func TestStore_Initialize_StorageErrorIsReturned(t *testing.T) {
	storage := &failingStorage{loadFn: func(context.Context) (map[string]string, error) {
		return nil, errors.New("permission denied")
	}}

	if _, err := NewStore(storage, nil).Initialize(context.Background()); err == nil {
		t.Error("expected storage I/O error to be returned")
	}
}

func TestFileStorage_Save_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	storage := NewFileStorage(filepath.Join(dir, "nested"))

	for i := 0; i < 3; i++ {
		if err := storage.Save(context.Background(), map[string]string{KeyAccessToken: "a"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "session.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory entries = %v, want [session.json]", names)
	}

	info, err := os.Stat(storage.Path())
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestMemoryStorage_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	_ = m.Save(ctx, map[string]string{KeyAccessToken: "a"})

	got, _ := m.Load(ctx)
	got[KeyAccessToken] = "changed"

	again, _ := m.Load(ctx)
	if again[KeyAccessToken] != "a" {
		t.Error("Load should return a copy")
	}
}
