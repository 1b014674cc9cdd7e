package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/cxcap/cmd"
	"github.com/smazurov/cxcap/internal/config"
	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/firmware"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/sim"
	"github.com/smazurov/cxcap/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Device settings
	Backend string `help:"Device backend (sim)" default:"sim" toml:"devices.backend" env:"DEVICES_BACKEND"`

	// Firmware settings
	FirmwarePath   string `help:"Encoder firmware image, empty for the built-in simulator image" toml:"firmware.path" env:"FIRMWARE_PATH"`
	FirmwareWatch  bool   `help:"Reload all devices when the firmware image changes" default:"true" toml:"firmware.watch" env:"FIRMWARE_WATCH"`
	FirmwareReload string `help:"Quiet time before a changed image is reloaded" default:"1500ms" toml:"firmware.reload_debounce" env:"FIRMWARE_RELOAD_DEBOUNCE"`

	// Simulator settings
	SimFrameInterval string `help:"Time between blocks produced by simulated cards" default:"5ms" toml:"sim.frame_interval" env:"SIM_FRAME_INTERVAL"`
	SimMaxPages      int    `help:"Host pages each simulated card may hand out, 0 for no cap" default:"0" toml:"sim.max_pages" env:"SIM_MAX_PAGES"`

	// Metrics settings
	MetricsPrometheusEnabled bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"metrics.prometheus_enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	MetricsSSEEnabled        bool `help:"Publish stream statistics on the event stream" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingMailbox string `help:"Mailbox logging level" default:"info" toml:"logging.mailbox" env:"LOGGING_MAILBOX"`
	LoggingDMA     string `help:"DMA engine logging level" default:"info" toml:"logging.dma" env:"LOGGING_DMA"`
	LoggingIRQ     string `help:"Interrupt handler logging level" default:"info" toml:"logging.irq" env:"LOGGING_IRQ"`
	LoggingReset   string `help:"Reset controller logging level" default:"info" toml:"logging.reset" env:"LOGGING_RESET"`
	LoggingStream  string `help:"Stream registry logging level" default:"info" toml:"logging.stream" env:"LOGGING_STREAM"`
	LoggingDevice  string `help:"Device logging level" default:"info" toml:"logging.device" env:"LOGGING_DEVICE"`
	LoggingSim     string `help:"Simulator logging level" default:"info" toml:"logging.sim" env:"LOGGING_SIM"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP    string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		loggingConfig := logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"mailbox": opts.LoggingMailbox,
				"dma":     opts.LoggingDMA,
				"irq":     opts.LoggingIRQ,
				"reset":   opts.LoggingReset,
				"stream":  opts.LoggingStream,
				"device":  opts.LoggingDevice,
				"sim":     opts.LoggingSim,
				"api":     opts.LoggingAPI,
				"http":    opts.LoggingHTTP,
			},
		}
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		// Subcommands share the parsed options, so devices only come up once
		// the server actually starts.
		d := &daemon{opts: opts, logger: logger}

		hooks.OnStart(func() {
			logger.Info("Starting cxcap", "version", version.String())
			if startErr := d.start(); startErr != nil {
				logger.Error("Failed to bring up devices", "error", startErr)
				d.stop()
				os.Exit(1)
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := d.server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			d.stop()
		})
	})

	cli.Root().Use = "cxcap"
	cli.Root().Short = "cx23416 MPEG encoder driver core"
	cli.Root().Version = version.String()

	cli.Root().AddCommand(cmd.CreateSimulateCmd())
	cli.Root().AddCommand(cmd.CreateProbeCmd())
	cli.Root().AddCommand(cmd.CreateFWInfoCmd())
	cli.Root().AddCommand(createVersionCmd())

	// Run the CLI
	cli.Run()
}

// buildSimDevices probes one simulated card for every [[devices]] table of
// the config file.
func buildSimDevices(opts *Options, registry *device.Registry, bus *events.Bus) ([]*sim.Sim, error) {
	logger := logging.GetLogger("device")

	defs, err := config.LoadDevices(opts.Config)
	if err != nil {
		return nil, err
	}

	frameInterval, err := time.ParseDuration(opts.SimFrameInterval)
	if err != nil {
		logger.Warn("Invalid simulator frame interval, using default", "value", opts.SimFrameInterval, "error", err)
		frameInterval = 0
	}

	var image []byte
	var loader firmware.Loader
	if opts.FirmwarePath != "" {
		image, err = os.ReadFile(opts.FirmwarePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read firmware: %w", err)
		}
		if err := firmware.Validate(image); err != nil {
			return nil, err
		}
		loader = firmware.FileLoader{
			Dirs: []string{filepath.Dir(opts.FirmwarePath)},
			Name: filepath.Base(opts.FirmwarePath),
		}
	}

	cards := make([]*sim.Sim, 0, len(defs))
	for _, def := range defs {
		cfg := device.DefaultConfig(def.Name)
		if err := def.Apply(&cfg); err != nil {
			return cards, err
		}
		cfg.Loader = loader
		cfg.Events = bus

		card := sim.New(sim.Config{
			Label:         def.Name,
			FrameInterval: frameInterval,
			MaxPages:      opts.SimMaxPages,
			Image:         image,
		})
		d, err := device.Simulated(context.Background(), card, cfg)
		if err != nil {
			return cards, fmt.Errorf("device %s: %w", def.Name, err)
		}
		if err := registry.Add(d); err != nil {
			return cards, err
		}
		cards = append(cards, card)
		logger.Info("Device ready", "device", def.Name, "streams", len(cfg.Streams))
	}
	return cards, nil
}

func newFirmwareWatcher(opts *Options, registry *device.Registry) *config.Watcher[[]byte] {
	logger := logging.GetLogger("device")
	debounce, err := time.ParseDuration(opts.FirmwareReload)
	if err != nil {
		debounce = 1500 * time.Millisecond
	}

	load := func(path string) ([]byte, error) {
		image, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return image, firmware.Validate(image)
	}
	w := config.NewWatcher(opts.FirmwarePath, load, logger, config.WithDebounce[[]byte](debounce))
	w.OnReload(func(image []byte) {
		logger.Info("Firmware image changed, reloading devices", "path", opts.FirmwarePath, "size", len(image))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := registry.ReloadAll(ctx); err != nil {
			logger.Error("Firmware reload failed", "error", err)
		}
	})
	return w
}

func createVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(c *cobra.Command, _ []string) {
			info := version.Get()
			out := c.OutOrStdout()
			fmt.Fprintf(out, "cxcap %s (%s, built %s)\n", info.Version, info.GitCommit, info.BuildDate)
			fmt.Fprintf(out, "%s %s\n", info.GoVersion, info.Platform)
		},
	}
}
