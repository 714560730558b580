package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather失败: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	m := New("test")
	m.Received("CON")
	m.Received("CON")
	m.Sent("ACK")
	m.ParseError()
	m.Downgrade()
	m.Dispatched("GET", "200 OK", 0.001)
	m.PeriodicFired("sensors/temperature")
	m.Notified("sensors/temperature", nil)
	m.Notified("sensors/temperature", errors.New("x"))
	m.SetObservers(3)

	if v := counterValue(t, m, "test_messages_received_total", map[string]string{"type": "CON"}); v != 2 {
		t.Errorf("messages_received_total = %v", v)
	}
	if v := counterValue(t, m, "test_notifications_total", map[string]string{"resource": "sensors/temperature", "result": "error"}); v != 1 {
		t.Errorf("notifications_total{error} = %v", v)
	}
	if v := counterValue(t, m, "test_active_observers", nil); v != 3 {
		t.Errorf("active_observers = %v", v)
	}
	if v := counterValue(t, m, "test_overflow_downgrades_total", nil); v != 1 {
		t.Errorf("overflow_downgrades_total = %v", v)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New("")
	m.Sent("NON")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `coap_node_messages_sent_total{type="NON"} 1`) {
		t.Errorf("指标输出缺少messages_sent_total: %s", body)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Received("CON")
	m.Dispatched("GET", "200 OK", 0)
	m.SetObservers(1)
	if m.Registry() != nil {
		t.Errorf("nil Metrics的Registry应为nil")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil Metrics的Handler应返回404, 实际 %d", rec.Code)
	}
}
