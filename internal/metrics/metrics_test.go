package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名のメトリクスファミリーを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	if c := NewCollector(prometheus.NewRegistry()); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordRequest_GroupsByStatusClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequest("GET", 200, 10*time.Millisecond)
	c.RecordRequest("GET", 204, 10*time.Millisecond)
	c.RecordRequest("POST", 401, 10*time.Millisecond)
	c.RecordRequest("POST", 0, 10*time.Millisecond)

	mf := findMetric(t, reg, "proxyman_api_requests_total")
	if mf == nil {
		t.Fatal("proxyman_api_requests_total metric not found")
	}

	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "method")+" "+labelValue(m, "status_class")] = m.GetCounter().GetValue()
	}
	want := map[string]float64{"GET 2xx": 2, "POST 4xx": 1, "POST error": 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("requests[%s] = %v, want %v", k, got[k], v)
		}
	}

	latency := findMetric(t, reg, "proxyman_api_request_duration_seconds")
	if latency == nil {
		t.Fatal("latency histogram not found")
	}
	if n := latency.GetMetric()[0].GetHistogram().GetSampleCount(); n != 4 {
		t.Errorf("sample count = %d, want 4", n)
	}
}

func TestRecordRenewal_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRenewal(RenewalSuccess)
	c.RecordRenewal(RenewalSuccess)
	c.RecordRenewal(RenewalRefused)

	mf := findMetric(t, reg, "proxyman_token_renewals_total")
	if mf == nil {
		t.Fatal("proxyman_token_renewals_total metric not found")
	}
	for _, m := range mf.GetMetric() {
		switch labelValue(m, "outcome") {
		case RenewalSuccess:
			if v := m.GetCounter().GetValue(); v != 2 {
				t.Errorf("success = %v, want 2", v)
			}
		case RenewalRefused:
			if v := m.GetCounter().GetValue(); v != 1 {
				t.Errorf("refused = %v, want 1", v)
			}
		}
	}
}

func TestSetEntitlementCounts_ReplacesPreviousValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetEntitlementCounts(map[string]int{"active": 3, "inactive": 1})
	c.SetEntitlementCounts(map[string]int{"active": 2})

	mf := findMetric(t, reg, "proxyman_entitlements")
	if mf == nil {
		t.Fatal("proxyman_entitlements metric not found")
	}
	if len(mf.GetMetric()) != 1 {
		t.Fatalf("expected only the latest statuses, got %d series", len(mf.GetMetric()))
	}
	if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("active = %v, want 2", v)
	}
}

func TestRecordHealthCheck_AndFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHealthCheck("active", 50*time.Millisecond)
	c.RecordHealthCheckFailure("network")

	if findMetric(t, reg, "proxyman_health_checks_total") == nil {
		t.Error("proxyman_health_checks_total metric not found")
	}
	if findMetric(t, reg, "proxyman_health_check_failures_total") == nil {
		t.Error("proxyman_health_check_failures_total metric not found")
	}
	if findMetric(t, reg, "proxyman_health_check_duration_seconds") == nil {
		t.Error("proxyman_health_check_duration_seconds metric not found")
	}
}

func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordCheckout("completed")

	if findMetric(t, reg1, "proxyman_checkouts_total") == nil {
		t.Error("reg1 should have checkout metric")
	}
	// 値が記録されていないCounterVecはGatherに現れない
	if findMetric(t, reg2, "proxyman_checkouts_total") != nil {
		t.Error("reg2 should not see reg1's checkout")
	}
}

func TestNopCollector_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = NopCollector{}
	c.RecordRequest("GET", 200, time.Second)
	c.RecordRenewal(RenewalNetwork)
	c.RecordCheckout("failed")
	c.RecordHealthCheck("active", time.Second)
	c.RecordHealthCheckFailure("x")
	c.SetEntitlementCounts(nil)
}
