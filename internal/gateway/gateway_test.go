package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/proxyman/internal/model"
	"github.com/hitoshi/proxyman/internal/session"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeEnvelope(w http.ResponseWriter, status int, env map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func success(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func failure(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, map[string]any{"status": "error", "code": code, "message": message})
}

// newTestStore はアクセストークン access を持つセッションを保存済みのStoreを返す。
func newTestStore(t *testing.T, access string) *session.Store {
	t.Helper()
	store := session.NewStore(session.NewMemoryStorage(), nil)
	if access == "" {
		return store
	}
	err := store.Commit(context.Background(), &model.Session{
		SubjectID:    "user-1",
		Roles:        []model.Role{model.RoleCustomer},
		AccessToken:  access,
		RefreshToken: "refresh-1",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return store
}

// authServer は "Bearer new" のみ受け付けるテスト用サーバー。
type authServer struct {
	refreshCalls     atomic.Int32
	unauthorizedHits atomic.Int32
	dataCalls        atomic.Int32
	refreshHandler   func(w http.ResponseWriter, r *http.Request)
}

func (s *authServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		if s.refreshHandler != nil {
			s.refreshHandler(w, r)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "refresh-1" {
			failure(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "invalid")
			return
		}
		success(w, map[string]any{"access_token": "new", "refresh_token": "refresh-2"})
	})
	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		s.dataCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new" {
			s.unauthorizedHits.Add(1)
			failure(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "expired")
			return
		}
		success(w, map[string]string{"value": "ok"})
	})
	return mux
}

func TestSend_NoSession_ReturnsUnauthenticated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	g := New(newTestStore(t, ""), Options{BaseURL: srv.URL})
	err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)

	if !errors.Is(err, model.ErrUnauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestSend_Success_AttachesHeadersAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("X-Request-ID should be set")
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q, want 2", got)
		}
		success(w, map[string]int{"balance": 1500})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL + "/", Logger: newTestLogger(&buf)})

	var out struct {
		Balance int64 `json:"balance"`
	}
	err := g.Send(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/wallet",
		Query:  map[string][]string{"page": {"2"}},
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Balance != 1500 {
		t.Errorf("Balance = %d, want 1500", out.Balance)
	}
	if !bytes.Contains(buf.Bytes(), []byte("APIリクエストが完了しました")) {
		t.Errorf("expected request log, got %q", buf.String())
	}
}

func TestSend_RenewsOnceAndRetries(t *testing.T) {
	as := &authServer{}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	store := newTestStore(t, "old")
	g := New(store, Options{BaseURL: srv.URL})

	var out map[string]string
	if err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["value"] != "ok" {
		t.Errorf("out = %v", out)
	}
	if n := as.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if n := as.dataCalls.Load(); n != 2 {
		t.Errorf("data calls = %d, want 2", n)
	}

	cur := store.Current()
	if cur.AccessToken != "new" || cur.RefreshToken != "refresh-2" {
		t.Errorf("session not updated: %+v", cur)
	}
	if cur.SubjectID != "user-1" {
		t.Errorf("identity should be kept, SubjectID = %q", cur.SubjectID)
	}
}

func TestSend_ConcurrentFailuresShareOneRenewal(t *testing.T) {
	const concurrency = 8

	as := &authServer{}
	as.refreshHandler = func(w http.ResponseWriter, r *http.Request) {
		// 全リクエストが401を受けるまで更新の完了を遅らせる
		deadline := time.Now().Add(2 * time.Second)
		for as.unauthorizedHits.Load() < concurrency && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		success(w, map[string]any{"access_token": "new", "refresh_token": "refresh-2"})
	}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	g := New(newTestStore(t, "old"), Options{BaseURL: srv.URL})

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if n := as.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

func TestSend_RenewalRefused_AllWaitersExpire(t *testing.T) {
	const concurrency = 4

	as := &authServer{}
	as.refreshHandler = func(w http.ResponseWriter, r *http.Request) {
		deadline := time.Now().Add(2 * time.Second)
		for as.unauthorizedHits.Load() < concurrency && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		failure(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token revoked")
	}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	store := newTestStore(t, "old")
	g := New(store, Options{BaseURL: srv.URL})

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, model.ErrSessionExpired) {
			t.Errorf("err = %v, want SessionExpired", err)
		}
	}
	if n := as.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if store.Current() != nil {
		t.Error("session should be cleared after refusal")
	}

	// 以降の呼び出しはセッションなし
	err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)
	if !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("err = %v, want Unauthenticated", err)
	}
}

func TestSend_RetriedRequestRejected_IsTerminal(t *testing.T) {
	var refreshCalls, dataCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		success(w, map[string]any{"access_token": "new", "refresh_token": "refresh-2"})
	})
	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		failure(w, http.StatusUnauthorized, "UNAUTHORIZED", "no")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t, "old")
	g := New(store, Options{BaseURL: srv.URL})

	err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("err = %v, want SessionExpired", err)
	}
	if refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls.Load())
	}
	if dataCalls.Load() != 2 {
		t.Errorf("data calls = %d, want 2 (no loop)", dataCalls.Load())
	}
	if store.Current() != nil {
		t.Error("session should be cleared")
	}
}

func TestSend_TerminalRejectionKeepsNewerSession(t *testing.T) {
	var store *session.Store
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		success(w, map[string]any{"access_token": "new", "refresh_token": "refresh-2"})
	})
	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer new" {
			// 再送の処理中に別の更新で新しいセッションが保存された
			err := store.Commit(context.Background(), &model.Session{
				SubjectID:    "user-1",
				AccessToken:  "newer",
				RefreshToken: "refresh-3",
			})
			if err != nil {
				t.Errorf("Commit failed: %v", err)
			}
		}
		failure(w, http.StatusUnauthorized, "UNAUTHORIZED", "no")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store = newTestStore(t, "old")
	g := New(store, Options{BaseURL: srv.URL})

	err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("err = %v, want SessionExpired", err)
	}
	cur := store.Current()
	if cur == nil || cur.AccessToken != "newer" {
		t.Errorf("session = %+v, a newer session must not be cleared", cur)
	}
}

func TestSend_RenewalTransportFailure_KeepsSession(t *testing.T) {
	as := &authServer{}
	as.refreshHandler = func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		conn.Close()
	}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	store := newTestStore(t, "old")
	g := New(store, Options{BaseURL: srv.URL})

	err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil)
	if !errors.Is(err, model.ErrNetwork) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if cur := store.Current(); cur == nil || cur.RefreshToken != "refresh-1" {
		t.Errorf("session should be kept on transport failure, got %+v", cur)
	}
}

func TestSend_CancelledWaiterDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	as := &authServer{}
	as.refreshHandler = func(w http.ResponseWriter, r *http.Request) {
		<-release
		success(w, map[string]any{"access_token": "new", "refresh_token": "refresh-2"})
	}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	g := New(newTestStore(t, "old"), Options{BaseURL: srv.URL, Timeout: 5 * time.Second})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- g.Send(ctxA, Request{Method: http.MethodGet, Path: "/items"}, nil) }()
	go func() { errB <- g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/items"}, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for (as.unauthorizedHits.Load() < 2 || as.refreshCalls.Load() < 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancelA()
	if err := <-errA; !errors.Is(err, model.ErrNetwork) {
		t.Errorf("cancelled caller err = %v, want NetworkError", err)
	}

	close(release)
	if err := <-errB; err != nil {
		t.Errorf("other caller should succeed, got %v", err)
	}
	if n := as.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestSend_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		code     string
		wantKind model.ErrorKind
		wantCode string
	}{
		{"bad request", http.StatusBadRequest, "VALIDATION_ERROR", model.KindValidation, "VALIDATION_ERROR"},
		{"unprocessable", http.StatusUnprocessableEntity, "", model.KindValidation, model.ErrCodeValidation},
		{"payment required", http.StatusPaymentRequired, "", model.KindInsufficientBalance, model.ErrCodeInsufficientBalance},
		{"balance code", http.StatusConflict, "INSUFFICIENT_BALANCE", model.KindInsufficientBalance, "INSUFFICIENT_BALANCE"},
		{"conflict", http.StatusConflict, "SOLD_OUT", model.KindApplication, "SOLD_OUT"},
		{"server error", http.StatusInternalServerError, "", model.KindApplication, model.ErrCodeServer},
		{"error envelope on 200", http.StatusOK, "PLAN_LOCKED", model.KindApplication, "PLAN_LOCKED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				failure(w, tt.status, tt.code, "server message")
			}))
			defer srv.Close()

			g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL})
			err := g.Send(context.Background(), Request{Method: http.MethodPost, Path: "/orders"}, nil)

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *model.APIError", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", apiErr.Kind, tt.wantKind)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", apiErr.Code, tt.wantCode)
			}
			if apiErr.Message != "server message" {
				t.Errorf("Message = %q, want server message", apiErr.Message)
			}
		})
	}
}

func TestSend_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL})
	err := g.Send(context.Background(), Request{Path: "/proxies"}, nil)

	if !errors.Is(err, model.ErrApplication) {
		t.Fatalf("err = %v, want ApplicationError", err)
	}
}

func TestSend_Timeout_IsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	err := g.Send(context.Background(), Request{Path: "/proxies"}, nil)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Kind != model.KindNetwork || apiErr.Code != model.ErrCodeTimeout {
		t.Errorf("got %s/%s, want network/TIMEOUT", apiErr.Kind, apiErr.Code)
	}
}

func TestSend_ConnectionRefused_IsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := New(newTestStore(t, "access-1"), Options{BaseURL: url})
	err := g.Send(context.Background(), Request{Path: "/proxies"}, nil)

	if !errors.Is(err, model.ErrNetwork) {
		t.Errorf("err = %v, want NetworkError", err)
	}
}

func TestSend_MalformedSuccessData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		success(w, "not an object")
	}))
	defer srv.Close()

	g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL})
	var out struct{ Balance int64 }
	err := g.Send(context.Background(), Request{Path: "/wallet"}, &out)

	if !errors.Is(err, &model.APIError{Kind: model.KindApplication, Code: codeInvalidResp}) {
		t.Errorf("err = %v, want INVALID_RESPONSE", err)
	}
}

func TestSendAnonymous_DoesNotRenew(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("anonymous request should not carry a credential")
		}
		failure(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "メールアドレスまたはパスワードが違います")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL})
	err := g.SendAnonymous(context.Background(), Request{Method: http.MethodPost, Path: "/auth/login", Body: map[string]string{}}, nil)

	if !errors.Is(err, &model.APIError{Kind: model.KindApplication, Code: "INVALID_CREDENTIALS"}) {
		t.Errorf("err = %v, want INVALID_CREDENTIALS", err)
	}
	if refreshCalls.Load() != 0 {
		t.Error("anonymous request must not trigger renewal")
	}
}

func TestSend_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		success(w, nil)
	}))
	defer srv.Close()

	g := New(newTestStore(t, "access-1"), Options{BaseURL: srv.URL, RateLimit: 0.001, Burst: 1})

	if err := g.Send(context.Background(), Request{Path: "/a"}, nil); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Send(ctx, Request{Path: "/a"}, nil); !errors.Is(err, model.ErrNetwork) {
		t.Errorf("throttled request err = %v, want NetworkError", err)
	}
}

func TestRequestState_String(t *testing.T) {
	if stateFresh.String() != "fresh" || stateRetried.String() != "retried" || stateTerminal.String() != "terminal" {
		t.Error("unexpected state names")
	}
}
