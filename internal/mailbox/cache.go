package mailbox

import (
	"slices"
	"sync"
	"time"
)

// DefaultCacheWindow is how long a stored command result stays valid.
const DefaultCacheWindow = 10 * time.Second

type cacheEntry struct {
	args   []uint32
	stamp  time.Time
	marked bool
	valid  bool
	result Result
}

// Cache memoizes stored commands so identical re-sends skip the hardware.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[Command]*cacheEntry
}

// NewCache creates a cache. A nil now uses time.Now.
func NewCache(window time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		window:  window,
		now:     now,
		entries: make(map[Command]*cacheEntry),
	}
}

// Lookup returns the cached result if cmd was last sent with exactly args within
// the window and that round trip succeeded.
func (c *Cache) Lookup(cmd Command, args []uint32) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cmd]
	if !ok || !e.marked || !e.valid {
		return Result{}, false
	}
	if c.now().Sub(e.stamp) > c.window {
		return Result{}, false
	}
	if !slices.Equal(e.args, args) {
		return Result{}, false
	}
	return e.result, true
}

// Mark records that cmd is about to be sent with args.
func (c *Cache) Mark(cmd Command, args []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cmd] = &cacheEntry{
		args:   slices.Clone(args),
		stamp:  c.now(),
		marked: true,
	}
}

// Store keeps the result of a successful round trip for a marked command.
func (c *Cache) Store(cmd Command, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[cmd]; ok && e.marked {
		e.result = res
		e.valid = true
	}
}

// Unmark drops the entry so the next call always reaches the hardware.
func (c *Cache) Unmark(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cmd)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len is the number of marked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
