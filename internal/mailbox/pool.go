package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/poll"
)

// Pool hands out the general purpose slots 0..PoolSize-1.
//
// The hardware flags word tells whether the firmware still works on a slot,
// the owned bits keep two goroutines from picking the same free slot.
type Pool struct {
	region  Region
	acquire poll.Options
	label   string

	mu    sync.Mutex
	owned [PoolSize]bool

	logger *slog.Logger
}

// DefaultAcquire is 100 scans, 10ms apart.
func DefaultAcquire() poll.Options {
	return poll.Every(10*time.Millisecond, 100)
}

// NewPool creates a pool over a located region.
func NewPool(region Region, acquire poll.Options, label string) *Pool {
	return &Pool{
		region:  region,
		acquire: acquire,
		label:   label,
		logger:  logging.GetLogger("mailbox"),
	}
}

// scan picks a slot whose firmware finished, else one never handed to firmware.
// Caller holds p.mu.
func (p *Pool) scan() (int, bool) {
	for box := 0; box < PoolSize; box++ {
		if !p.owned[box] && p.region.Flags(box)&FlagFirmwareDone != 0 {
			return box, true
		}
	}
	for box := 0; box < PoolSize; box++ {
		if !p.owned[box] && p.region.Flags(box)&FlagDriverDone == 0 {
			return box, true
		}
	}
	return 0, false
}

func (p *Pool) take() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	box, ok := p.scan()
	if !ok {
		return 0, false
	}
	p.owned[box] = true
	p.region.SetFlags(box, FlagDriverBusy)
	return box, true
}

// TryAcquire makes one scan and never sleeps. Safe from the interrupt goroutine.
func (p *Pool) TryAcquire() (int, error) {
	if box, ok := p.take(); ok {
		return box, nil
	}
	metrics.IncMailboxBusy(p.label)
	return 0, fmt.Errorf("%w: no free slot", ErrBusy)
}

// AcquireBlocking scans until a slot frees up or the retries run out. On failure
// every slot's flags are zeroed so the protocol can restart from a clean state.
func (p *Pool) AcquireBlocking(ctx context.Context) (int, error) {
	var box int
	err := poll.Until(ctx, func() bool {
		var ok bool
		box, ok = p.take()
		return ok
	}, p.acquire)
	if err == nil {
		return box, nil
	}
	if !errors.Is(err, poll.ErrTimeout) {
		return 0, err
	}

	p.logger.Warn("No free mailbox slot, resetting all slots", "retries", p.acquire.Attempts)
	metrics.IncMailboxBusy(p.label)
	p.Reset()
	return 0, fmt.Errorf("%w: no free slot after %d retries", ErrBusy, p.acquire.Attempts)
}

// Release gives a slot back. The flags are left as the firmware last set them.
func (p *Pool) Release(box int) {
	if box < 0 || box >= PoolSize {
		return
	}
	p.mu.Lock()
	p.owned[box] = false
	p.mu.Unlock()
}

// Reset forcibly zeroes the flags of every pool slot. Ownership is kept so a
// goroutine still polling a slot releases it normally.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for box := 0; box < PoolSize; box++ {
		p.region.SetFlags(box, FlagFree)
	}
}

// Owned reports how many slots are currently handed out.
func (p *Pool) Owned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.owned {
		if o {
			n++
		}
	}
	return n
}
