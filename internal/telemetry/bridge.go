package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	otelPkg "github.com/basket/groupclaw/internal/otel"
	"go.opentelemetry.io/otel/metric"
)

// MetricsBridge subscribes to the event bus and records every lifecycle
// event as an OTel metric. Subsystems publish to the bus and stay free of
// instrument wiring.
type MetricsBridge struct {
	eventBus *bus.Bus
	metrics  *otelPkg.Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// queued tracks groups counted into QueuedGroups, so dispatches without
	// a matching queued event (immediate dispatch, retries) cannot drive the
	// gauge negative.
	// queuedAt and startedAt feed the latency and duration histograms.
	// All three are touched only from the loop goroutine.
	queued    map[string]struct{}
	queuedAt  map[string]time.Time
	startedAt map[string]time.Time
}

func NewMetricsBridge(eventBus *bus.Bus, metrics *otelPkg.Metrics, logger *slog.Logger) *MetricsBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsBridge{
		eventBus:  eventBus,
		metrics:   metrics,
		logger:    logger,
		queued:    make(map[string]struct{}),
		queuedAt:  make(map[string]time.Time),
		startedAt: make(map[string]time.Time),
	}
}

func (b *MetricsBridge) Start(ctx context.Context) {
	if b.eventBus == nil || b.metrics == nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.loop(ctx)
}

func (b *MetricsBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *MetricsBridge) loop(ctx context.Context) {
	defer b.wg.Done()
	// Prefix "" matches every topic.
	sub := b.eventBus.Subscribe("")
	defer b.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			b.record(ctx, ev)
		}
	}
}

func (b *MetricsBridge) record(ctx context.Context, ev bus.Event) {
	m := b.metrics
	switch ev.Topic {
	case bus.TopicWorkQueued:
		if payload, ok := ev.Payload.(bus.WorkEvent); ok {
			if _, seen := b.queued[payload.GroupID]; !seen {
				b.queued[payload.GroupID] = struct{}{}
				b.queuedAt[payload.GroupID] = time.Now()
				m.QueuedGroups.Add(ctx, 1, b.workAttrs(ev)...)
			}
		}
	case bus.TopicWorkDispatched:
		if payload, ok := ev.Payload.(bus.WorkEvent); ok {
			if _, seen := b.queued[payload.GroupID]; seen {
				delete(b.queued, payload.GroupID)
				m.QueuedGroups.Add(ctx, -1)
			}
			if at, ok := b.queuedAt[payload.GroupID]; ok {
				delete(b.queuedAt, payload.GroupID)
				m.DispatchLatency.Record(ctx, time.Since(at).Seconds(), b.workRecordAttrs(ev)...)
			}
			b.startedAt[payload.GroupID] = time.Now()
		}
		m.ActiveWorkers.Add(ctx, 1, b.workAttrs(ev)...)
	case bus.TopicWorkRetrying:
		m.RetriesTotal.Add(ctx, 1, b.workAttrs(ev)...)
	case bus.TopicWorkDropped:
		m.DroppedWork.Add(ctx, 1, b.workAttrs(ev)...)
	case bus.TopicWorkerCompleted:
		m.ActiveWorkers.Add(ctx, -1)
		if payload, ok := ev.Payload.(bus.WorkerEvent); ok {
			if at, ok := b.startedAt[payload.GroupID]; ok {
				delete(b.startedAt, payload.GroupID)
				m.WorkerDuration.Record(ctx, time.Since(at).Seconds(), metric.WithAttributes(
					otelPkg.AttrGroupID.String(payload.GroupID),
					otelPkg.AttrOutcome.String(payload.Outcome),
				))
			}
		}
	case bus.TopicWorkerResult:
		m.FramesParsed.Add(ctx, 1)
	case bus.TopicWorkerFrameError:
		m.FramesMalformed.Add(ctx, 1)
	case bus.TopicIPCEnvelope:
		m.EnvelopesHandled.Add(ctx, 1)
	case bus.TopicIPCRejected, bus.TopicIPCQuarantined:
		m.EnvelopesDenied.Add(ctx, 1)
	case bus.TopicDeliverySent:
		m.DeliveriesSent.Add(ctx, 1)
	case bus.TopicDeliveryFailed:
		m.DeliveriesFailed.Add(ctx, 1)
	}
}

func (b *MetricsBridge) workAttrs(ev bus.Event) []metric.AddOption {
	payload, ok := ev.Payload.(bus.WorkEvent)
	if !ok {
		return nil
	}
	return []metric.AddOption{metric.WithAttributes(
		otelPkg.AttrGroupID.String(payload.GroupID),
		otelPkg.AttrWorkKind.String(payload.Kind),
	)}
}

func (b *MetricsBridge) workRecordAttrs(ev bus.Event) []metric.RecordOption {
	payload, ok := ev.Payload.(bus.WorkEvent)
	if !ok {
		return nil
	}
	return []metric.RecordOption{metric.WithAttributes(
		otelPkg.AttrGroupID.String(payload.GroupID),
		otelPkg.AttrWorkKind.String(payload.Kind),
	)}
}
