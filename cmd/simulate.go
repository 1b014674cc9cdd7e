package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/reset"
	"github.com/smazurov/cxcap/internal/sim"
	"github.com/smazurov/cxcap/internal/stream"
)

const simulateOwner int64 = 1

// SimulateOptions configures one simulated capture run.
type SimulateOptions struct {
	Output        string
	Stream        string
	Duration      time.Duration
	Buffers       int
	BufferSize    int
	FrameInterval time.Duration
	KillFirmware  bool
	DMAError      bool
}

// SimulateResult summarizes a simulated capture run.
type SimulateResult struct {
	Buffers  int
	Bytes    int64
	Failed   int
	Boots    int
	Resets   int
	Duration time.Duration
}

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	opts := SimulateOptions{}
	var logLevel string
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a capture against a simulated card",
		Long: `Probes a simulated cx23416 card, captures one stream end to end and writes the data to a file. ` +
			`Faults can be injected halfway through to exercise firmware recovery.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			loggingConfig := logging.Config{Level: logLevel, Format: "text"}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := RunSimulation(ctx, opts)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "Captured %d buffers, %d bytes in %s to %s\n", res.Buffers, res.Bytes, res.Duration.Round(time.Millisecond), opts.Output)
			fmt.Fprintf(out, "Failed buffers: %d, firmware boots: %d, resets: %d\n", res.Failed, res.Boots, res.Resets)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "capture.mpg", "File the captured stream is written to")
	cmd.Flags().StringVarP(&opts.Stream, "stream", "s", "mpg", "Stream to capture (mpg, yuv, pcm, vbi)")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 2*time.Second, "How long to capture")
	cmd.Flags().IntVar(&opts.Buffers, "buffers", 8, "Host buffers to queue")
	cmd.Flags().IntVar(&opts.BufferSize, "buffer-size", 64*1024, "Bytes per buffer")
	cmd.Flags().DurationVar(&opts.FrameInterval, "frame-interval", 5*time.Millisecond, "Time between blocks produced by the simulated encoder")
	cmd.Flags().BoolVar(&opts.KillFirmware, "kill-firmware", false, "Wedge the firmware halfway through and recover it")
	cmd.Flags().BoolVar(&opts.DMAError, "dma-error", false, "Fail one transfer halfway through")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
	return cmd
}

// RunSimulation captures opts.Stream from a fresh simulated card for
// opts.Duration and writes every good buffer to opts.Output.
func RunSimulation(ctx context.Context, opts SimulateOptions) (SimulateResult, error) {
	logger := logging.GetLogger("sim")
	var res SimulateResult

	t, err := stream.ParseType(opts.Stream)
	if err != nil {
		return res, err
	}
	if !t.HasDMA() {
		return res, fmt.Errorf("%s does not capture", t)
	}
	if opts.Buffers <= 0 || opts.BufferSize <= 0 {
		return res, errors.New("buffers and buffer size must be positive")
	}

	out, err := os.Create(opts.Output)
	if err != nil {
		return res, err
	}
	defer out.Close()

	bus := events.New()
	var resets atomic.Int32
	unsubscribe := bus.Subscribe(func(ev events.FirmwareResetEvent) {
		if ev.Outcome == "ok" {
			resets.Add(1)
		}
	})
	defer unsubscribe()

	card := sim.New(sim.Config{Label: "sim0", FrameInterval: opts.FrameInterval})
	cfg := device.DefaultConfig("sim0")
	// Simulated units settle instantly.
	cfg.Timing = hw.NoDelay()
	cfg.Loader = nil
	cfg.Events = bus
	d, err := device.Simulated(ctx, card, cfg)
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := d.Close(context.Background()); closeErr != nil {
			logger.Warn("Device close failed", "error", closeErr)
		}
		if stopErr := card.Stop(); stopErr != nil {
			logger.Warn("Simulated card did not stop", "error", stopErr)
		}
	}()

	if err := d.Claim(ctx, simulateOwner, t); err != nil {
		return res, err
	}
	for i := range opts.Buffers {
		b, err := d.AllocBuffer(i, opts.BufferSize)
		if err != nil {
			return res, err
		}
		if err := d.Queue(ctx, simulateOwner, t, b); err != nil {
			return res, err
		}
	}

	start := time.Now()
	if err := d.StartCapture(ctx, simulateOwner, t); err != nil {
		return res, err
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	injected := !opts.KillFirmware && !opts.DMAError
	halfway := time.After(opts.Duration / 2)

	for {
		select {
		case <-halfway:
			if !injected {
				injected = true
				inject(runCtx, d, card, opts)
			}
		default:
		}

		b, err := d.Dequeue(runCtx, simulateOwner, t, true)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrEndOfStream) {
			break
		}
		if err != nil {
			return res, err
		}

		if r := b.Result(); r.Err != nil {
			res.Failed++
			logger.Debug("Buffer failed", "index", b.Index, "error", r.Err)
		} else {
			n, err := out.Write(d.Bytes(b))
			res.Bytes += int64(n)
			if err != nil {
				return res, err
			}
			res.Buffers++
		}
		if err := d.Queue(ctx, simulateOwner, t, b); err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(start)

	if err := d.Release(context.Background(), simulateOwner, t); err != nil {
		return res, err
	}
	res.Boots = card.Stats().Boots
	res.Resets = int(resets.Load())
	return res, nil
}

func inject(ctx context.Context, d *device.Device, card *sim.Sim, opts SimulateOptions) {
	logger := logging.GetLogger("sim")
	if opts.DMAError {
		logger.Info("Injecting transfer error")
		card.FailNextDMA()
	}
	if opts.KillFirmware {
		logger.Info("Killing firmware")
		card.KillFirmware()
		// Nothing times out while the dead firmware stops asking for
		// transfers, so check it the way a watchdog would.
		if err := d.Reset(ctx, false, reset.Soft); err != nil {
			logger.Warn("Firmware recovery failed", "error", err)
		}
	}
}
