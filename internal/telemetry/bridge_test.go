package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	otelPkg "github.com/basket/groupclaw/internal/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newBridgeFixture(t *testing.T) (*bus.Bus, *sdkmetric.ManualReader, *MetricsBridge) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	instruments, err := otelPkg.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	eventBus := bus.New()
	bridge := NewMetricsBridge(eventBus, instruments, nil)
	return eventBus, reader, bridge
}

func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func waitForSum(t *testing.T, reader *sdkmetric.ManualReader, name string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := sumValue(t, reader, name); ok && got == want {
			return
		}
		if time.Now().After(deadline) {
			got, _ := sumValue(t, reader, name)
			t.Fatalf("%s = %d, want %d", name, got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMetricsBridgeCountsEvents(t *testing.T) {
	eventBus, reader, bridge := newBridgeFixture(t)
	bridge.Start(context.Background())
	defer bridge.Stop()

	eventBus.Publish(bus.TopicIPCEnvelope, bus.EnvelopeEvent{GroupID: "g1", Type: "message"})
	eventBus.Publish(bus.TopicIPCEnvelope, bus.EnvelopeEvent{GroupID: "g1", Type: "message"})
	eventBus.Publish(bus.TopicIPCRejected, bus.EnvelopeEvent{GroupID: "g2", Type: "register_group"})
	eventBus.Publish(bus.TopicWorkRetrying, bus.WorkEvent{GroupID: "g1", Kind: "message", Attempt: 1})
	eventBus.Publish(bus.TopicDeliveryFailed, bus.DeliveryEvent{DestinationID: "-100"})

	waitForSum(t, reader, "groupclaw.ipc.envelopes", 2)
	waitForSum(t, reader, "groupclaw.ipc.denied", 1)
	waitForSum(t, reader, "groupclaw.dispatch.retries", 1)
	waitForSum(t, reader, "groupclaw.delivery.failed", 1)
}

func TestMetricsBridgeActiveWorkerBalance(t *testing.T) {
	eventBus, reader, bridge := newBridgeFixture(t)
	bridge.Start(context.Background())
	defer bridge.Stop()

	eventBus.Publish(bus.TopicWorkDispatched, bus.WorkEvent{GroupID: "g1", Kind: "message"})
	eventBus.Publish(bus.TopicWorkDispatched, bus.WorkEvent{GroupID: "g2", Kind: "task"})
	waitForSum(t, reader, "groupclaw.worker.active", 2)

	eventBus.Publish(bus.TopicWorkerCompleted, bus.WorkerEvent{GroupID: "g1", Outcome: "success"})
	waitForSum(t, reader, "groupclaw.worker.active", 1)
}

func TestMetricsBridgeNilDepsNoop(t *testing.T) {
	bridge := NewMetricsBridge(nil, nil, nil)
	bridge.Start(context.Background())
	bridge.Stop()
}
