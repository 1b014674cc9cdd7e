package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/cxcap/internal/dma"
	"github.com/smazurov/cxcap/internal/stream"
)

// ErrNoMemory means the host page or descriptor budget is used up.
var ErrNoMemory = errors.New("sim: out of host memory")

// Host bus address ranges handed out by the simulator.
const (
	hostPageBase   uint32 = 0x10000000
	hostHandleBase uint32 = 0x40000000
	handleStride   uint32 = 0x1000
)

// Host is the host side of the bus: page-granular buffer memory and the
// descriptor lists mapped for the encoder to read.
type Host struct {
	mu       sync.Mutex
	pageSize uint32
	maxPages int
	nextPage uint32
	pages    map[uint32][]byte
	lists    map[uint32]dma.List
	nextList uint32
	failMap  int
}

// NewHost creates host memory with pageSize pages. maxPages of zero means no limit.
func NewHost(pageSize uint32, maxPages int) *Host {
	return &Host{
		pageSize: pageSize,
		maxPages: maxPages,
		nextPage: hostPageBase,
		pages:    make(map[uint32][]byte),
		lists:    make(map[uint32]dma.List),
		nextList: hostHandleBase,
	}
}

// PageSize is the host page length.
func (h *Host) PageSize() uint32 {
	return h.pageSize
}

// AllocPages returns enough pages to hold size bytes.
func (h *Host) AllocPages(size int) ([]stream.Page, error) {
	if size <= 0 {
		return nil, fmt.Errorf("sim: invalid buffer size %d", size)
	}
	n := (size + int(h.pageSize) - 1) / int(h.pageSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxPages > 0 && len(h.pages)+n > h.maxPages {
		return nil, fmt.Errorf("%w: %d pages requested, %d in use", ErrNoMemory, n, len(h.pages))
	}
	pages := make([]stream.Page, n)
	for i := range pages {
		addr := h.nextPage
		h.nextPage += h.pageSize
		h.pages[addr] = make([]byte, h.pageSize)
		pages[i] = stream.Page{Addr: addr, Len: h.pageSize}
	}
	return pages, nil
}

// FreePages returns pages to the host.
func (h *Host) FreePages(pages []stream.Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range pages {
		delete(h.pages, p.Addr)
	}
}

// ReadPages returns the first n bytes stored in pages.
func (h *Host) ReadPages(pages []stream.Page, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]byte, 0, n)
	for _, p := range pages {
		if len(out) >= n {
			break
		}
		page, ok := h.pages[p.Addr]
		if !ok {
			break
		}
		out = append(out, page[:min(int(p.Len), n-len(out))]...)
	}
	return out
}

// Pages is the number of allocated pages.
func (h *Host) Pages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}

// Map stores a copy of sg and returns the bus address the encoder reads it from.
func (h *Host) Map(sg dma.List) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failMap > 0 {
		h.failMap--
		return 0, fmt.Errorf("%w: descriptor mapping", ErrNoMemory)
	}
	if len(sg) == 0 {
		return 0, errors.New("sim: empty descriptor list")
	}
	handle := h.nextList
	h.nextList += handleStride
	h.lists[handle] = append(dma.List(nil), sg...)
	return handle, nil
}

// Unmap releases a mapped list.
func (h *Host) Unmap(handle uint32) {
	h.mu.Lock()
	delete(h.lists, handle)
	h.mu.Unlock()
}

// Mapped is the number of lists still mapped.
func (h *Host) Mapped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lists)
}

// FailMap makes the next n Map calls fail.
func (h *Host) FailMap(n int) {
	h.mu.Lock()
	h.failMap = n
	h.mu.Unlock()
}

func (h *Host) list(handle uint32) (dma.List, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lists[handle]
	return l, ok
}

// write copies b to bus address addr, which must fall inside one page.
func (h *Host) write(addr uint32, b []byte) error {
	base := addr - (addr-hostPageBase)%h.pageSize
	h.mu.Lock()
	defer h.mu.Unlock()
	page, ok := h.pages[base]
	if !ok {
		return fmt.Errorf("sim: no host page at 0x%08x", addr)
	}
	off := addr - base
	if int(off)+len(b) > len(page) {
		return fmt.Errorf("sim: %d byte write at 0x%08x crosses a page", len(b), addr)
	}
	copy(page[off:], b)
	return nil
}
