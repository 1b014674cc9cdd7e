// Package collectors polls kernel counters into Prometheus metrics.
package collectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/metrics"
)

// InterruptCollector reads the per-line interrupt totals from /proc/interrupts
// for the lines registered by the encoder devices.
type InterruptCollector struct {
	logger   logging.Logger
	procPath string
	interval time.Duration
	// devices maps the action name shown in /proc/interrupts to the device label.
	devices map[string]string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewInterruptCollector creates a collector for the given action names.
func NewInterruptCollector(devices map[string]string) *InterruptCollector {
	return &InterruptCollector{
		logger:   logging.GetLogger("collectors"),
		procPath: "/proc/interrupts",
		interval: 5 * time.Second,
		devices:  devices,
	}
}

// Start begins collecting.
func (c *InterruptCollector) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return nil
}

// Stop stops the collector.
func (c *InterruptCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *InterruptCollector) run() {
	c.logger.Info("Starting interrupt collection", "path", c.procPath, "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *InterruptCollector) collect() {
	file, err := os.Open(c.procPath)
	if err != nil {
		c.logger.Warn("Failed to open interrupts file", "error", err)
		return
	}
	defer file.Close()

	lines, err := c.parseContent(file)
	if err != nil {
		c.logger.Warn("Failed to parse interrupts", "error", err)
		return
	}

	for _, l := range lines {
		if label, ok := c.devices[l.Action]; ok {
			metrics.SetIRQLineCount(label, l.Total)
		}
	}
}

type irqLine struct {
	IRQ    string
	Total  float64
	Action string
}

func (c *InterruptCollector) parseContent(r io.Reader) ([]irqLine, error) {
	var lines []irqLine
	scanner := bufio.NewScanner(r)

	cpus := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if cpus == 0 {
			// Header row: CPU0 CPU1 ...
			cpus = len(strings.Fields(line))
			continue
		}

		l, err := c.parseLine(line, cpus)
		if err != nil {
			continue
		}
		lines = append(lines, *l)
	}

	return lines, scanner.Err()
}

func (c *InterruptCollector) parseLine(line string, cpus int) (*irqLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasSuffix(fields[0], ":") {
		return nil, fmt.Errorf("not an interrupt line")
	}
	if len(fields) < cpus+2 {
		return nil, fmt.Errorf("insufficient fields")
	}

	var total float64
	for _, f := range fields[1 : cpus+1] {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, err
		}
		total += float64(n)
	}

	return &irqLine{
		IRQ:    strings.TrimSuffix(fields[0], ":"),
		Total:  total,
		Action: fields[len(fields)-1],
	}, nil
}
