package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStreamStatsCache(t *testing.T) {
	device := "cache-test"
	DeleteDeviceMetrics(device)

	if s := GetStreamStats(device, "mpg"); s != nil {
		t.Error("expected nil for unseen stream")
	}

	ObserveTransfer(device, "mpg", 131072)
	ObserveTransfer(device, "mpg", 4096)
	IncDropped(device, "mpg")
	SetQueuedBuffers(device, "mpg", 3)

	s := GetStreamStats(device, "mpg")
	if s == nil {
		t.Fatal("expected non-nil stats")
	}
	if s.Transfers != 2 {
		t.Errorf("Transfers = %v, want 2", s.Transfers)
	}
	if s.Bytes != 135168 {
		t.Errorf("Bytes = %v, want 135168", s.Bytes)
	}
	if s.Dropped != 1 {
		t.Errorf("Dropped = %v, want 1", s.Dropped)
	}
	if s.Queued != 3 {
		t.Errorf("Queued = %v, want 3", s.Queued)
	}

	s.Bytes = 0
	if again := GetStreamStats(device, "mpg"); again.Bytes != 135168 {
		t.Errorf("cache was modified, Bytes = %v", again.Bytes)
	}

	if v := testutil.ToFloat64(dmaBytes.WithLabelValues(device, "mpg")); v != 135168 {
		t.Errorf("dmaBytes = %v, want 135168", v)
	}

	DeleteDeviceMetrics(device)
	if s := GetStreamStats(device, "mpg"); s != nil {
		t.Error("expected stats removed with device")
	}
	if n := testutil.CollectAndCount(dmaBytes); n != 0 {
		t.Errorf("expected no dmaBytes series left, got %d", n)
	}
}

func TestMailboxCounters(t *testing.T) {
	device := "mailbox-test"
	DeleteDeviceMetrics(device)

	ObserveMailboxCall(device, "PING_FW", "ok")
	ObserveMailboxCall(device, "PING_FW", "ok")
	ObserveMailboxCall(device, "PING_FW", "busy")
	IncMailboxCacheHit(device, "ASSIGN_BITRATES")
	IncMailboxBusy(device)

	if v := testutil.ToFloat64(mailboxCalls.WithLabelValues(device, "PING_FW", "ok")); v != 2 {
		t.Errorf("mailboxCalls ok = %v, want 2", v)
	}
	if v := testutil.ToFloat64(mailboxCalls.WithLabelValues(device, "PING_FW", "busy")); v != 1 {
		t.Errorf("mailboxCalls busy = %v, want 1", v)
	}
	if v := testutil.ToFloat64(mailboxCacheHits.WithLabelValues(device, "ASSIGN_BITRATES")); v != 1 {
		t.Errorf("mailboxCacheHits = %v, want 1", v)
	}
	if v := testutil.ToFloat64(mailboxBusy.WithLabelValues(device)); v != 1 {
		t.Errorf("mailboxBusy = %v, want 1", v)
	}

	DeleteDeviceMetrics(device)
}

func TestFirmwareGauges(t *testing.T) {
	device := "fw-test"

	SetFirmwareFailures(device, 2)
	SetCapturing(device, 1)
	ObserveReset(device, "full", "ok")

	if v := testutil.ToFloat64(firmwareFailures.WithLabelValues(device)); v != 2 {
		t.Errorf("firmwareFailures = %v, want 2", v)
	}
	if v := testutil.ToFloat64(capturing.WithLabelValues(device)); v != 1 {
		t.Errorf("capturing = %v, want 1", v)
	}
	if v := testutil.ToFloat64(resets.WithLabelValues(device, "full", "ok")); v != 1 {
		t.Errorf("resets = %v, want 1", v)
	}

	DeleteDeviceMetrics(device)
	DeleteDeviceMetrics("non-existent-device")
}

func TestStreamStatsConcurrentAccess(t *testing.T) {
	device := "concurrent-test"
	DeleteDeviceMetrics(device)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ObserveTransfer(device, "yuv", 1)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = GetAllStreamStats()
			}
		}()
	}
	wg.Wait()

	if s := GetStreamStats(device, "yuv"); s.Transfers != 1000 {
		t.Errorf("Transfers = %v, want 1000", s.Transfers)
	}
	DeleteDeviceMetrics(device)
}
