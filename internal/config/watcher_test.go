package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/cxcap/internal/firmware"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func image(fill byte) []byte {
	b := make([]byte, firmware.Size)
	for i := range b {
		b[i] = fill
	}
	return b
}

func writeImage(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// replaceImage installs data the way package managers do, by renaming a
// temporary file over the old one.
func replaceImage(t *testing.T, path string, data []byte) {
	t.Helper()
	tmp := path + ".new"
	writeImage(t, tmp, data)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string, debounce time.Duration, opts ...WatcherOption[firmware.Info]) *Watcher[firmware.Info] {
	t.Helper()
	opts = append([]WatcherOption[firmware.Info]{WithDebounce[firmware.Info](debounce)}, opts...)
	w := NewWatcher(path, firmware.InspectFile, newTestLogger(), opts...)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("watcher.Stop failed: %v", err)
		}
	})
	// give the watch a moment to settle
	time.Sleep(50 * time.Millisecond)
	return w
}

func TestWatcherReload(t *testing.T) {
	tests := []struct {
		name    string
		install func(t *testing.T, path string, data []byte)
	}{
		{"written in place", writeImage},
		{"renamed over", replaceImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), firmware.Name)
			writeImage(t, path, image(1))

			received := make(chan firmware.Info, 4)
			w := startWatcher(t, path, 50*time.Millisecond)
			w.OnReload(func(info firmware.Info) { received <- info })

			tt.install(t, path, image(2))

			select {
			case info := <-received:
				if !info.Valid || info.Header[0] != 0x02020202 {
					t.Errorf("Expected new valid image, got %+v", info)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for reload")
			}
		})
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, firmware.Name)
	writeImage(t, path, image(1))

	var count atomic.Int32
	w := startWatcher(t, path, 20*time.Millisecond)
	w.OnReload(func(firmware.Info) { count.Add(1) })

	writeImage(t, filepath.Join(dir, "v4l-cx2341x-dec.fw"), image(3))
	time.Sleep(200 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("Expected no reload for a sibling file, got %d", got)
	}
}

func TestWatcherErrorHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), firmware.Name)
	writeImage(t, path, image(1))

	errCh := make(chan error, 1)
	reloaded := make(chan struct{}, 1)
	w := startWatcher(t, path, 20*time.Millisecond, WithErrorHandler[firmware.Info](func(err error) {
		errCh <- err
	}))
	w.OnReload(func(firmware.Info) { reloaded <- struct{}{} })

	writeImage(t, path, []byte("truncated"))

	select {
	case err := <-errCh:
		if !errors.Is(err, firmware.ErrSize) {
			t.Errorf("Expected ErrSize, got %v", err)
		}
	case <-reloaded:
		t.Fatal("handler should not be called for a bad image")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

func TestWatcherDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), firmware.Name)
	writeImage(t, path, image(0))

	var count atomic.Int32
	var last atomic.Uint32
	w := startWatcher(t, path, 200*time.Millisecond)
	w.OnReload(func(info firmware.Info) {
		count.Add(1)
		last.Store(info.Header[0])
	})

	for i := 1; i <= 5; i++ {
		writeImage(t, path, image(byte(i)))
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Errorf("Expected 1 debounced call, got %d", got)
	}
	if got := last.Load(); got != 0x05050505 {
		t.Errorf("Expected final image, got header 0x%08x", got)
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), firmware.Name)
	writeImage(t, path, image(1))

	var kept, dropped atomic.Int32
	w := startWatcher(t, path, 100*time.Millisecond)
	w.OnReload(func(firmware.Info) { kept.Add(1) })
	unsub := w.OnReload(func(firmware.Info) { dropped.Add(1) })
	unsub()

	writeImage(t, path, image(2))
	time.Sleep(500 * time.Millisecond)

	if kept.Load() != 1 || dropped.Load() != 0 {
		t.Errorf("Expected kept=1 dropped=0, got kept=%d dropped=%d", kept.Load(), dropped.Load())
	}
}

func TestWatcherSkipsIdenticalContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), firmware.Name)
	writeImage(t, path, image(1))

	var count atomic.Int32
	w := startWatcher(t, path, 50*time.Millisecond)
	w.OnReload(func(firmware.Info) { count.Add(1) })

	replaceImage(t, path, image(1))
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("Expected no reload for identical content, got %d", got)
	}

	writeImage(t, path, image(2))
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("Expected 1 reload after a real change, got %d", got)
	}
}

func TestWatcherConcurrentSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), firmware.Name)
	writeImage(t, path, image(1))
	w := startWatcher(t, path, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := w.OnReload(func(firmware.Info) {})
			time.Sleep(time.Millisecond)
			unsub()
		}()
	}
	for i := range 5 {
		writeImage(t, path, image(byte(i)))
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
}

func TestWatcherStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), firmware.Name)
	writeImage(t, path, image(1))

	var count atomic.Int32
	w := NewWatcher(path, firmware.InspectFile, newTestLogger(), WithDebounce[firmware.Info](20*time.Millisecond))
	w.OnReload(func(firmware.Info) { count.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	writeImage(t, path, image(9))
	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("Expected 0 calls after stop, got %d", got)
	}

	never := NewWatcher(path, firmware.InspectFile, newTestLogger())
	if err := never.Stop(); err != nil {
		t.Errorf("Stop without Start failed: %v", err)
	}
}
