package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/cxcap/internal/api/models"
	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/metrics/exporters"
)

// registerSSERoutes registers the device event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time device events, optionally limited to one device: capture start and stop, finished buffers, DMA errors and timeouts, firmware resets, end of stream and stream totals",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, exporters.GetEventTypesForEndpoint("events"), func(ctx context.Context, input *models.EventsInput, send sse.Sender) {
		eventCh := make(chan any, 64)
		device := input.Device

		unsubscribers := []func(){
			events.SubscribeDevice[events.CaptureStartedEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.CaptureStoppedEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.BufferDoneEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.DMAErrorEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.DMATimeoutEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.FirmwareResetEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.EndOfStreamEvent](s.eventBus, device, eventCh),
			events.SubscribeDevice[events.StreamStatsEvent](s.eventBus, device, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
