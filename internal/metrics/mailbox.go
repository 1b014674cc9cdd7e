// Package metrics provides Prometheus metrics for the encoder driver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mailboxCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "mailbox",
		Name:      "calls_total",
		Help:      "Firmware commands sent, by outcome",
	}, []string{"device", "cmd", "outcome"})

	mailboxCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "mailbox",
		Name:      "cache_hits_total",
		Help:      "Stored commands answered from the command cache",
	}, []string{"device", "cmd"})

	mailboxBusy = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxcap",
		Subsystem: "mailbox",
		Name:      "busy_total",
		Help:      "Slot acquisitions that found every slot busy",
	}, []string{"device"})
)

// ObserveMailboxCall counts one command round trip.
func ObserveMailboxCall(device, cmd, outcome string) {
	mailboxCalls.WithLabelValues(device, cmd, outcome).Inc()
}

// IncMailboxCacheHit counts a command served from cache.
func IncMailboxCacheHit(device, cmd string) {
	mailboxCacheHits.WithLabelValues(device, cmd).Inc()
}

// IncMailboxBusy counts a failed slot acquisition.
func IncMailboxBusy(device string) {
	mailboxBusy.WithLabelValues(device).Inc()
}
