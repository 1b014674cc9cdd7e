package exporters

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/metrics"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter publishes running stream totals on the event bus for SSE clients.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: 1 * time.Second,
	}
}

// Start begins the SSE export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the SSE exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishMetrics()
		}
	}
}

func (s *SSEExporter) publishMetrics() {
	for key, st := range metrics.GetAllStreamStats() {
		s.eventBus.Publish(events.StreamStatsEvent{
			EventType: "stream_stats",
			Device:    key.Device,
			Stream:    key.Stream,
			Transfers: strconv.FormatFloat(st.Transfers, 'f', 0, 64),
			Bytes:     strconv.FormatFloat(st.Bytes, 'f', 0, 64),
			Dropped:   strconv.FormatFloat(st.Dropped, 'f', 0, 64),
			Queued:    strconv.FormatFloat(st.Queued, 'f', 0, 64),
		})
	}
}

// GetEventTypes returns event types for SSE endpoint registration.
func GetEventTypes() map[string]any {
	return map[string]any{
		"stream-stats":   events.StreamStatsEvent{},
		"buffer-done":    events.BufferDoneEvent{},
		"dma-error":      events.DMAErrorEvent{},
		"dma-timeout":    events.DMATimeoutEvent{},
		"firmware-reset": events.FirmwareResetEvent{},
		"end-of-stream":  events.EndOfStreamEvent{},
		"capture-start":  events.CaptureStartedEvent{},
		"capture-stop":   events.CaptureStoppedEvent{},
	}
}

// GetEventTypesForEndpoint returns event types for a specific SSE endpoint.
func GetEventTypesForEndpoint(endpoint string) map[string]any {
	out := map[string]any{}
	routes := GetEventRoutes()
	for name, ev := range GetEventTypes() {
		if routes[name] == endpoint {
			out[name] = ev
		}
	}
	return out
}

// GetEventRoutes returns the routing configuration for events.
func GetEventRoutes() map[string]string {
	return map[string]string{
		"stream-stats":   "events",
		"buffer-done":    "events",
		"dma-error":      "events",
		"dma-timeout":    "events",
		"firmware-reset": "events",
		"end-of-stream":  "events",
		"capture-start":  "events",
		"capture-stop":   "events",
	}
}
