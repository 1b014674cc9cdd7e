package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/poll"
)

// Options configures a Client.
type Options struct {
	// Label names the device in logs and metrics.
	Label       string
	Acquire     poll.Options
	Result      poll.Options
	CacheWindow time.Duration
	Now         func() time.Time
}

// DefaultOptions returns the firmware timings: 100 slot scans and 1000 result polls,
// 10ms apart, and a 10s cache window.
func DefaultOptions(label string) Options {
	return Options{
		Label:       label,
		Acquire:     DefaultAcquire(),
		Result:      poll.Every(10*time.Millisecond, 1000),
		CacheWindow: DefaultCacheWindow,
	}
}

// Client issues firmware commands through a located mailbox.
type Client struct {
	opts  Options
	sem   *semaphore.Weighted
	cache *Cache

	mu     sync.RWMutex
	region *Region
	pool   *Pool

	dmaMu  sync.Mutex
	dmaBox int

	logger *slog.Logger
}

// NewClient returns a detached client. Locate or Attach it before issuing commands.
func NewClient(opts Options) *Client {
	return &Client{
		opts:   opts,
		sem:    semaphore.NewWeighted(1),
		cache:  NewCache(opts.CacheWindow, opts.Now),
		dmaBox: BoxDMASchedA,
		logger: logging.GetLogger("mailbox").With("device", opts.Label),
	}
}

// Cache returns the command cache.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Attach points the client at a located region.
func (c *Client) Attach(r Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.region = &r
	c.pool = NewPool(r, c.opts.Acquire, c.opts.Label)
	c.logger.Debug("Mailbox attached", "base", fmt.Sprintf("0x%08x", r.Base()))
}

// Detach forgets the region so nothing is sent to a dead firmware.
func (c *Client) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.region = nil
	c.pool = nil
}

// Locate scans mem for the signature and attaches to the region found.
func (c *Client) Locate(mem hw.Memory) error {
	r, err := Locate(mem)
	if err != nil {
		c.Detach()
		return err
	}
	c.Attach(r)
	return nil
}

// Base returns the mailbox offset in encoder memory.
func (c *Client) Base() (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.region == nil {
		return 0, false
	}
	return c.region.Base(), true
}

// Pool returns the slot pool of the attached region.
func (c *Client) Pool() (*Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pool == nil {
		return nil, ErrNoMailbox
	}
	return c.pool, nil
}

func (c *Client) attached() (*Region, *Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.region == nil {
		return nil, nil, ErrNoMailbox
	}
	return c.region, c.pool, nil
}

// Call issues a command from process context and blocks until the firmware
// answers, when the command class needs an answer.
func (c *Client) Call(ctx context.Context, cmd Command, args ...uint32) (Result, error) {
	return c.call(ctx, cmd, ClassOf(cmd), args)
}

func (c *Client) call(ctx context.Context, cmd Command, cls Class, args []uint32) (Result, error) {
	if len(args) > MaxData {
		return Result{}, fmt.Errorf("%w: %s with %d args", ErrInvalid, cmd, len(args))
	}

	if cls.Stored {
		if res, ok := c.cache.Lookup(cmd, args); ok {
			metrics.IncMailboxCacheHit(c.opts.Label, cmd.String())
			c.logger.Debug("Command served from cache", "cmd", cmd.String())
			return res, nil
		}
		c.cache.Mark(cmd, args)
	}

	res, err := c.roundTrip(ctx, cmd, cls, args)
	metrics.ObserveMailboxCall(c.opts.Label, cmd.String(), outcome(err))
	if err != nil {
		if cls.Stored {
			c.cache.Unmark(cmd)
		}
		return res, err
	}
	if cls.Stored {
		c.cache.Store(cmd, res)
	}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, cmd Command, cls Class, args []uint32) (Result, error) {
	if cls.Wait {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		defer c.sem.Release(1)
	}

	region, pool, err := c.attached()
	if err != nil {
		return Result{}, err
	}

	box, err := pool.AcquireBlocking(ctx)
	if err != nil {
		c.logger.Warn("Mailbox slot unavailable", "cmd", cmd.String(), "error", err)
		return Result{}, err
	}
	defer pool.Release(box)

	c.logger.Debug("Sending command", "cmd", cmd.String(), "box", box, "args", args)
	region.Send(box, cmd, StdTimeout, args)

	if !cls.Wait {
		return Result{Command: cmd}, nil
	}

	opts := c.opts.Result
	if cls.Attempts > 0 {
		opts.Attempts = cls.Attempts
	}
	return c.pollResult(ctx, region, box, cmd, opts)
}

// pollResult waits for firmware-done. A timeout leaves the slot untouched so it
// can still complete later.
func (c *Client) pollResult(ctx context.Context, region *Region, box int, cmd Command, opts poll.Options) (Result, error) {
	err := poll.Until(ctx, func() bool {
		return region.Flags(box)&FlagFirmwareDone != 0
	}, opts)
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			c.logger.Warn("Firmware did not answer", "cmd", cmd.String(), "box", box, "attempts", opts.Attempts)
			return Result{}, fmt.Errorf("%w: %s timed out", ErrBusy, cmd)
		}
		return Result{}, err
	}

	res := region.Read(box)
	region.clear(box)
	res.Command = cmd
	if res.RetVal != 0 {
		c.logger.Warn("Firmware returned error", "cmd", cmd.String(), "retval", fmt.Sprintf("0x%08x", res.RetVal))
		return res, fmt.Errorf("%w: %s returned 0x%08x", ErrFirmware, cmd, res.RetVal)
	}
	return res, nil
}

// CallNoWait sends a command without sleeping and without waiting for the answer.
// This is the only send allowed from the interrupt goroutine.
func (c *Client) CallNoWait(cmd Command, args ...uint32) error {
	if len(args) > MaxData {
		return fmt.Errorf("%w: %s with %d args", ErrInvalid, cmd, len(args))
	}
	region, pool, err := c.attached()
	if err != nil {
		return err
	}
	box, err := pool.TryAcquire()
	if err != nil {
		metrics.ObserveMailboxCall(c.opts.Label, cmd.String(), outcome(err))
		return err
	}
	region.Send(box, cmd, StdTimeout, args)
	pool.Release(box)
	metrics.ObserveMailboxCall(c.opts.Label, cmd.String(), outcome(nil))
	return nil
}

// Peek reads a fixed box as it is right now.
func (c *Client) Peek(box int) (Result, error) {
	if box < 0 || box >= BoxCount {
		return Result{}, fmt.Errorf("%w: box %d", ErrInvalid, box)
	}
	region, _, err := c.attached()
	if err != nil {
		return Result{}, err
	}
	return region.Read(box), nil
}

// ScheduleDMA asks the firmware to run a host transfer described by the SG list
// at sgAddr. It force-takes one of the two DMA boxes and never sleeps; the return
// value is the firmware retval when it answered immediately.
func (c *Client) ScheduleDMA(kind, sgAddr, size uint32) (uint32, error) {
	region, _, err := c.attached()
	if err != nil {
		return 0, err
	}

	c.dmaMu.Lock()
	box := c.dmaBox
	if c.dmaBox == BoxDMASchedA {
		c.dmaBox = BoxDMASchedB
	} else {
		c.dmaBox = BoxDMASchedA
	}
	c.dmaMu.Unlock()

	region.SetFlags(box, FlagFree)
	region.SetFlags(box, FlagDriverBusy)
	region.mem.Write32(region.addr(box, offRetVal), 0)
	region.Send(box, CmdSchedDMAToHost, DMATimeout, []uint32{sgAddr, size, kind})

	if region.Flags(box)&FlagFirmwareDone != 0 {
		region.SetFlags(box, FlagFree)
	}
	retval := region.mem.Read32(region.addr(box, offRetVal))
	metrics.ObserveMailboxCall(c.opts.Label, CmdSchedDMAToHost.String(), outcome(nil))
	return retval, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrFirmware):
		return "firmware_error"
	case errors.Is(err, ErrNoMailbox):
		return "no_mailbox"
	default:
		return "error"
	}
}
