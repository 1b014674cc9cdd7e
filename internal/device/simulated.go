package device

import (
	"context"

	"github.com/smazurov/cxcap/internal/firmware"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/sim"
)

// Simulated starts card and probes a device on it. Host buffers come from the
// card. A nil loader boots the image the card was built with.
func Simulated(ctx context.Context, card *sim.Sim, cfg Config) (*Device, error) {
	if cfg.Allocator == nil {
		cfg.Allocator = card.Host()
	}
	if cfg.Loader == nil {
		cfg.Loader = firmware.Static(card.Config().Image)
	}
	card.Start()
	d, err := Probe(ctx, card, cfg)
	if err != nil {
		if stopErr := card.Stop(); stopErr != nil {
			logging.GetLogger("device").Warn("Simulated card did not stop", "device", cfg.Name, "error", stopErr)
		}
		return nil, err
	}
	return d, nil
}
