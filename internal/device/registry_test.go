package device

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	b, cardB := newDevice(t, "reg-b", nil)
	a, cardA := newDevice(t, "reg-a", nil)

	for _, d := range []*Device{b, a} {
		if err := r.Add(d); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := r.Add(a); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected INVALID for duplicate, got %v", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].Name() != "reg-a" || list[1].Name() != "reg-b" {
		t.Errorf("Expected sorted devices, got %v", list)
	}
	if _, err := r.Get("reg-c"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice, got %v", err)
	}

	if err := r.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll failed: %v", err)
	}
	if cardA.Stats().Boots != 2 || cardB.Stats().Boots != 2 {
		t.Errorf("Expected both cards rebooted, got %d and %d", cardA.Stats().Boots, cardB.Stats().Boots)
	}

	if err := r.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("Expected empty registry, got %d", len(r.List()))
	}
	if !a.Info().Closed || !b.Info().Closed {
		t.Error("Expected devices closed")
	}
}
