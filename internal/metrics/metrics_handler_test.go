package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}
	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
	if RegisterMetricHandler(nil) != 0 {
		t.Fatalf("expected zero id for nil handler")
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	fields := logger.Fields{"provider": "deribit"}
	EmitMetric(logger.Logger(), "processor", "levels_computed", 3, "", fields)

	select {
	case event := <-events:
		if event.Component != "processor" || event.Name != "levels_computed" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Type != "counter" {
			t.Fatalf("expected default type counter, got %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	called := false
	id := RegisterMetricHandler(func(Metric) { called = true })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "component", "", 1, "counter", nil)
	if called {
		t.Fatal("handler should not receive metrics without a name")
	}
}

func TestChannelSizeFeatureGate(t *testing.T) {
	resetMetricHandlers()
	Configure(config.MetricsConfig{ChannelSize: false, Prometheus: true})
	t.Cleanup(func() { Configure(config.MetricsConfig{ChannelSize: true, Prometheus: true}) })

	called := false
	id := RegisterMetricHandler(func(Metric) { called = true })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "channel_buffers", "books_buffer_length", 1, "gauge", nil)
	if called {
		t.Fatal("channel size metric should be suppressed")
	}
	StartChannelSizeMetrics(context.Background(), channel.NewChannels(1, 1), time.Millisecond)
}

func TestEmitDropMetric(t *testing.T) {
	resetMetricHandlers()

	var got Metric
	id := RegisterMetricHandler(func(m Metric) { got = m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitDropMetric(nil, DropMetricBookSnapshot, "thales", "BTC", "books")
	if got.Name != string(DropMetricBookSnapshot) || got.Fields["provider"] != "thales" {
		t.Fatalf("unexpected drop metric %+v", got)
	}
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	resetMetricHandlers()

	rec := NewRecorder(3)
	defer rec.Close()
	for i := 0; i < 5; i++ {
		EmitMetric(nil, "test", "n", i, "gauge", nil)
	}

	recent := rec.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	for i, m := range recent {
		if m.Value != i+2 {
			t.Fatalf("event %d has value %v", i, m.Value)
		}
	}
	if last := rec.Recent(1); len(last) != 1 || last[0].Value != 4 {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestPrometheusHandler(t *testing.T) {
	ObservePoll("thales", nil)
	ObservePoll("thales", errors.New("boom"))
	ObserveComputed("thales", "BTC", 2, 3*time.Millisecond)
	ObserveSkipped("thales", "empty_side")
	ObserveWrite("csv", 4, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`optionlevels_polls_total{provider="thales"}`,
		`optionlevels_poll_errors_total{provider="thales"}`,
		`optionlevels_rows_written_total{sink="csv"} 4`,
		`optionlevels_levels_skipped_total{provider="thales",reason="empty_side"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}

func TestReportWriter(t *testing.T) {
	ReportWriter(nil, "csv_writer", WriterStats{BatchesWritten: 2, RowsWritten: 5, ErrorsCount: 1})
}
