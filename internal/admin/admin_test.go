package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
)

type mockTransport struct {
	sendFn   func(req gateway.Request) (any, error)
	requests []gateway.Request
}

func (m *mockTransport) Send(_ context.Context, req gateway.Request, out any) error {
	m.requests = append(m.requests, req)
	data, err := m.sendFn(req)
	if err != nil {
		return err
	}
	if out == nil || data == nil {
		return nil
	}
	raw, _ := json.Marshal(data)
	return json.Unmarshal(raw, out)
}

type mockRoles struct {
	requireRoleFn func(role model.Role) error
}

func (m *mockRoles) RequireRole(role model.Role) error {
	return m.requireRoleFn(role)
}

func adminRoles() *mockRoles {
	return &mockRoles{requireRoleFn: func(model.Role) error { return nil }}
}

func validProxy() model.InventoryProxy {
	return model.InventoryProxy{IP: "203.0.113.5", Port: 3128, Protocol: model.ProtocolHTTP, Country: "JP"}
}

func validPool() model.ProxyPool {
	return model.ProxyPool{Name: "jp-rotating", EntryPoint: "gw.example.net", PortStart: 10000, PortEnd: 10099, Protocol: model.ProtocolSOCKS5}
}

func TestCall_ForbiddenWithoutAdminRole(t *testing.T) {
	api := &mockTransport{sendFn: func(gateway.Request) (any, error) { return nil, nil }}
	roles := &mockRoles{requireRoleFn: func(role model.Role) error {
		if role != model.RoleAdmin {
			t.Errorf("role = %q, want admin", role)
		}
		return model.NewForbiddenError(role)
	}}
	s := NewService(api, roles, nil)

	_, err := s.ListProxies(context.Background())
	if !errors.Is(err, &model.APIError{Kind: model.KindApplication, Code: model.ErrCodeForbidden}) {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
	if len(api.requests) != 0 {
		t.Error("no request should be sent without the admin role")
	}
}

func TestProxyCRUD_Paths(t *testing.T) {
	api := &mockTransport{sendFn: func(req gateway.Request) (any, error) {
		switch req.Method {
		case http.MethodGet:
			return []model.InventoryProxy{{ID: "x1", IP: "203.0.113.5"}}, nil
		case http.MethodDelete:
			return nil, nil
		}
		p := req.Body.(model.InventoryProxy)
		p.ID = "x1"
		return p, nil
	}}
	s := NewService(api, adminRoles(), nil)
	ctx := context.Background()

	list, err := s.ListProxies(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListProxies = %v, %v", list, err)
	}
	created, err := s.CreateProxy(ctx, validProxy())
	if err != nil || created.ID != "x1" {
		t.Fatalf("CreateProxy = %+v, %v", created, err)
	}
	if _, err := s.UpdateProxy(ctx, "x/1", validProxy()); err != nil {
		t.Fatalf("UpdateProxy: %v", err)
	}
	if err := s.DeleteProxy(ctx, "x1"); err != nil {
		t.Fatalf("DeleteProxy: %v", err)
	}

	want := []struct{ method, path string }{
		{http.MethodGet, "/admin/proxies"},
		{http.MethodPost, "/admin/proxies"},
		{http.MethodPut, "/admin/proxies/x%2F1"},
		{http.MethodDelete, "/admin/proxies/x1"},
	}
	if len(api.requests) != len(want) {
		t.Fatalf("requests = %d, want %d", len(api.requests), len(want))
	}
	for i, w := range want {
		if api.requests[i].Method != w.method || api.requests[i].Path != w.path {
			t.Errorf("request[%d] = %s %s, want %s %s", i, api.requests[i].Method, api.requests[i].Path, w.method, w.path)
		}
	}
}

func TestPoolCRUD_Paths(t *testing.T) {
	api := &mockTransport{sendFn: func(req gateway.Request) (any, error) {
		if req.Method == http.MethodGet {
			return []model.ProxyPool{{ID: "pool1"}}, nil
		}
		return nil, nil
	}}
	s := NewService(api, adminRoles(), nil)
	ctx := context.Background()

	if pools, err := s.ListPools(ctx); err != nil || len(pools) != 1 {
		t.Fatalf("ListPools = %v, %v", pools, err)
	}
	if _, err := s.CreatePool(ctx, validPool()); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if _, err := s.UpdatePool(ctx, "pool1", validPool()); err != nil {
		t.Fatalf("UpdatePool: %v", err)
	}
	if err := s.DeletePool(ctx, "pool1"); err != nil {
		t.Fatalf("DeletePool: %v", err)
	}
	if got := api.requests[3]; got.Method != http.MethodDelete || got.Path != "/admin/proxy-pools/pool1" {
		t.Errorf("delete request = %s %s", got.Method, got.Path)
	}
}

func TestValidateProxy(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *model.InventoryProxy)
		field  string
	}{
		{"valid", func(*model.InventoryProxy) {}, ""},
		{"ipv6", func(p *model.InventoryProxy) { p.IP = "2001:db8::1" }, ""},
		{"bad ip", func(p *model.InventoryProxy) { p.IP = "300.1.1.1" }, "ip"},
		{"hostname is not an ip", func(p *model.InventoryProxy) { p.IP = "proxy.example.net" }, "ip"},
		{"port zero", func(p *model.InventoryProxy) { p.Port = 0 }, "port"},
		{"port too large", func(p *model.InventoryProxy) { p.Port = 65536 }, "port"},
		{"unknown protocol", func(p *model.InventoryProxy) { p.Protocol = "ftp" }, "protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProxy()
			tt.modify(&p)
			err := ValidateProxy(p)
			if tt.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("err = %v, want validation error on %s", err, tt.field)
			}
		})
	}
}

func TestValidatePool_PortRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		wantErr    bool
	}{
		{"single port", 8000, 8000, false},
		{"full range", 1, 65535, false},
		{"reversed", 9000, 8000, true},
		{"zero start", 0, 100, true},
		{"end too large", 60000, 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPool()
			p.PortStart, p.PortEnd = tt.start, tt.end
			err := ValidatePool(p)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreatePool_InvalidNotSent(t *testing.T) {
	api := &mockTransport{sendFn: func(gateway.Request) (any, error) { return nil, nil }}
	s := NewService(api, adminRoles(), nil)

	p := validPool()
	p.EntryPoint = "  "
	if _, err := s.CreatePool(context.Background(), p); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(api.requests) != 0 {
		t.Error("invalid pool should not be sent")
	}
}
