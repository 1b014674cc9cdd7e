// Package logging hands out per-module slog loggers for the driver.
//
// Every package asks for its logger by name once:
//
//	logger := logging.GetLogger("dma").With("device", name)
//
// The modules in use are mailbox, dma, irq, reset, stream, device, sim, api,
// http and collectors. Each has its own slog.LevelVar, so a level set for one
// module at startup or through [SetLevel] leaves the others alone. Loggers
// obtained before [Initialize] log text at info and pick up the configured
// handlers when it runs.
//
// A record fans out to stdout (text or json), to the systemd journal when
// journald is reachable, and to an in-memory [RingBuffer]. The ring buffer
// numbers entries in write order; the logs API queries it and the log stream
// uses the numbers to drop entries it already sent. Journal entries carry the
// identifier cxcap and one upper-case field per attribute:
//
//	journalctl -t cxcap MODULE=reset
//	journalctl -t cxcap DEVICE=cx0 -p warning
//
// Levels come from the [logging] table of the config file:
//
//	[logging]
//	level = "info"
//	format = "text"
//	dma = "debug"
package logging
