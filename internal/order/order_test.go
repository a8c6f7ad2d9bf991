package order

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
)

type mockTransport struct {
	body string
	err  error
	req  gateway.Request
}

func (m *mockTransport) Send(_ context.Context, req gateway.Request, out any) error {
	m.req = req
	if m.err != nil {
		return m.err
	}
	return json.Unmarshal([]byte(m.body), out)
}

func TestList_SortsNewestFirst(t *testing.T) {
	api := &mockTransport{body: `[
		{"id":"o1","total_amount":100,"status":"completed","created_at":"2026-01-01T00:00:00Z"},
		{"id":"o2","total_amount":200,"status":"processing","created_at":"2026-02-01T00:00:00Z"}
	]`}

	orders, err := NewService(api).List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if api.req.Path != "/orders" {
		t.Errorf("path = %q", api.req.Path)
	}
	if len(orders) != 2 || orders[0].ID != "o2" {
		t.Errorf("orders = %+v", orders)
	}
	if orders[1].Status != model.OrderCompleted {
		t.Errorf("status = %q", orders[1].Status)
	}
}

func TestList_PropagatesError(t *testing.T) {
	api := &mockTransport{err: model.NewSessionExpiredError(nil)}

	if _, err := NewService(api).List(context.Background()); !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("err = %v, want SessionExpired", err)
	}
}
