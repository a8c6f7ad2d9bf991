package sandbox

import "github.com/hitoshi/proxyman/internal/model"

// デモ用の資格情報
const (
	DemoEmail     = "demo@example.com"
	DemoPassword  = "demo-password"
	AdminEmail    = "admin@example.com"
	AdminPassword = "admin-password"
	demoBalance   = 10000
)

// SeedDemo はデモ用のユーザーとカタログを登録する。
func (s *Server) SeedDemo() error {
	if _, err := s.Backend.AddUser(DemoEmail, DemoPassword, "Demo User", demoBalance, model.RoleCustomer); err != nil {
		return err
	}
	if _, err := s.Backend.AddUser(AdminEmail, AdminPassword, "Inventory Admin", 0, model.RoleCustomer, model.RoleAdmin); err != nil {
		return err
	}

	for _, p := range []model.Package{
		{ID: "static-jp-30d", Name: "Static IPv4 Tokyo 30日", ServiceKind: model.ServiceStaticIPv4, UnitPrice: 1500, Country: "JP", Protocol: model.ProtocolHTTP, DurationDays: 30, Active: true},
		{ID: "static-us-30d", Name: "Static IPv4 US 30日", ServiceKind: model.ServiceStaticIPv4, UnitPrice: 1800, Country: "US", Protocol: model.ProtocolSOCKS5, DurationDays: 30, Active: true},
		{ID: "static-v6-30d", Name: "Static IPv6 Tokyo 30日", ServiceKind: model.ServiceStaticIPv6, UnitPrice: 600, Country: "JP", Protocol: model.ProtocolHTTP, DurationDays: 30, Active: true},
		{ID: "rotating-jp-7d", Name: "Rotating Residential JP 7日", ServiceKind: model.ServiceRotating, UnitPrice: 3000, Country: "JP", Protocol: model.ProtocolSOCKS5, DurationDays: 7, Active: true},
		{ID: "legacy-de-30d", Name: "Static IPv4 Frankfurt（販売終了）", ServiceKind: model.ServiceStaticIPv4, UnitPrice: 1200, Country: "DE", Protocol: model.ProtocolHTTP, DurationDays: 30, Active: false},
	} {
		s.Backend.AddPackage(p)
	}
	return nil
}
