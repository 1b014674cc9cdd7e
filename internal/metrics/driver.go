package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dmaTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "dma",
		Name:      "transfers_total",
		Help:      "Completed encoder to host transfers",
	}, []string{"device", "stream"})

	dmaBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "dma",
		Name:      "bytes_total",
		Help:      "Bytes delivered to capture buffers",
	}, []string{"device", "stream"})

	dmaDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "dma",
		Name:      "dropped_total",
		Help:      "Transfer requests dropped because no buffer was queued",
	}, []string{"device", "stream"})

	dmaErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "dma",
		Name:      "errors_total",
		Help:      "Transfer failures by reason",
	}, []string{"device", "reason"})

	dmaDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "dma",
		Name:      "deferred_total",
		Help:      "Transfer requests queued behind a transfer in flight",
	}, []string{"device"})

	irqCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "irq",
		Name:      "interrupts_total",
		Help:      "Handled interrupt sources",
	}, []string{"device", "source"})

	irqLine = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cxcap",
		Subsystem: "irq",
		Name:      "line_count",
		Help:      "Interrupt count reported by the kernel for the device line",
	}, []string{"device"})

	resets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "firmware",
		Name:      "resets_total",
		Help:      "Firmware reset attempts by mode and outcome",
	}, []string{"device", "mode", "outcome"})

	firmwareFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cxcap",
		Subsystem: "firmware",
		Name:      "consecutive_failures",
		Help:      "Consecutive failed firmware restarts",
	}, []string{"device"})

	capturing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cxcap",
		Subsystem: "stream",
		Name:      "capturing",
		Help:      "Streams currently capturing",
	}, []string{"device"})

	queuedBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cxcap",
		Subsystem: "stream",
		Name:      "queued_buffers",
		Help:      "Buffers waiting for data",
	}, []string{"device", "stream"})

	// Local cache for SSE exporter access.
	streamCache   = make(map[StreamKey]*StreamStats)
	streamCacheMu sync.RWMutex
)

// StreamKey identifies one stream of one device.
type StreamKey struct {
	Device string
	Stream string
}

// StreamStats holds running totals for a stream.
type StreamStats struct {
	Transfers float64
	Bytes     float64
	Dropped   float64
	Queued    float64
}

// ObserveTransfer counts one completed transfer of n bytes.
func ObserveTransfer(device, stream string, n int) {
	dmaTransfers.WithLabelValues(device, stream).Inc()
	dmaBytes.WithLabelValues(device, stream).Add(float64(n))
	updateCache(StreamKey{device, stream}, func(s *StreamStats) {
		s.Transfers++
		s.Bytes += float64(n)
	})
}

// IncDropped counts a transfer request with nowhere to go.
func IncDropped(device, stream string) {
	dmaDropped.WithLabelValues(device, stream).Inc()
	updateCache(StreamKey{device, stream}, func(s *StreamStats) { s.Dropped++ })
}

// IncDMAError counts a failed transfer.
func IncDMAError(device, reason string) {
	dmaErrors.WithLabelValues(device, reason).Inc()
}

// IncDeferred counts a request queued behind a busy engine.
func IncDeferred(device string) {
	dmaDeferred.WithLabelValues(device).Inc()
}

// IncIRQ counts a handled interrupt source.
func IncIRQ(device, source string) {
	irqCount.WithLabelValues(device, source).Inc()
}

// SetIRQLineCount records the kernel's count for the device interrupt line.
func SetIRQLineCount(device string, n float64) {
	irqLine.WithLabelValues(device).Set(n)
}

// ObserveReset counts one firmware reset attempt.
func ObserveReset(device, mode, outcome string) {
	resets.WithLabelValues(device, mode, outcome).Inc()
}

// SetFirmwareFailures records the consecutive restart failure count.
func SetFirmwareFailures(device string, n int) {
	firmwareFailures.WithLabelValues(device).Set(float64(n))
}

// SetCapturing records how many streams are capturing.
func SetCapturing(device string, n int) {
	capturing.WithLabelValues(device).Set(float64(n))
}

// SetQueuedBuffers records the queue depth of a stream.
func SetQueuedBuffers(device, stream string, n int) {
	queuedBuffers.WithLabelValues(device, stream).Set(float64(n))
	updateCache(StreamKey{device, stream}, func(s *StreamStats) { s.Queued = float64(n) })
}

// DeleteDeviceMetrics removes every metric labelled with device.
func DeleteDeviceMetrics(device string) {
	labels := prometheus.Labels{"device": device}
	mailboxCalls.DeletePartialMatch(labels)
	mailboxCacheHits.DeletePartialMatch(labels)
	mailboxBusy.DeletePartialMatch(labels)
	dmaTransfers.DeletePartialMatch(labels)
	dmaBytes.DeletePartialMatch(labels)
	dmaDropped.DeletePartialMatch(labels)
	dmaErrors.DeletePartialMatch(labels)
	dmaDeferred.DeletePartialMatch(labels)
	irqCount.DeletePartialMatch(labels)
	irqLine.DeletePartialMatch(labels)
	resets.DeletePartialMatch(labels)
	firmwareFailures.DeletePartialMatch(labels)
	capturing.DeletePartialMatch(labels)
	queuedBuffers.DeletePartialMatch(labels)

	streamCacheMu.Lock()
	for k := range streamCache {
		if k.Device == device {
			delete(streamCache, k)
		}
	}
	streamCacheMu.Unlock()
}

// GetStreamStats returns current totals for a stream.
func GetStreamStats(device, stream string) *StreamStats {
	streamCacheMu.RLock()
	defer streamCacheMu.RUnlock()
	if s, ok := streamCache[StreamKey{device, stream}]; ok {
		dup := *s
		return &dup
	}
	return nil
}

// GetAllStreamStats returns totals for every stream seen so far.
func GetAllStreamStats() map[StreamKey]*StreamStats {
	streamCacheMu.RLock()
	defer streamCacheMu.RUnlock()
	result := make(map[StreamKey]*StreamStats, len(streamCache))
	for k, s := range streamCache {
		dup := *s
		result[k] = &dup
	}
	return result
}

func updateCache(key StreamKey, update func(*StreamStats)) {
	streamCacheMu.Lock()
	defer streamCacheMu.Unlock()
	s, ok := streamCache[key]
	if !ok {
		s = &StreamStats{}
		streamCache[key] = s
	}
	update(s)
}
