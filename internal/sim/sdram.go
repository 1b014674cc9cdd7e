package sim

import (
	"encoding/binary"
	"sync"
)

// openBus is what a read outside the window returns.
const openBus uint32 = 0xffffffff

// SDRAM is the encoder's local memory as seen through the BAR.
type SDRAM struct {
	mu    sync.RWMutex
	words []uint32
	// watch sees every write from the host side, after the store.
	watch func(off, v uint32)
}

// NewSDRAM allocates size bytes of zeroed encoder memory.
func NewSDRAM(size uint32) *SDRAM {
	return &SDRAM{words: make([]uint32, size/4)}
}

// Size is the window length in bytes.
func (m *SDRAM) Size() uint32 {
	return uint32(len(m.words) * 4)
}

// Read32 reads an aligned word.
func (m *SDRAM) Read32(off uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(off)
}

// Write32 writes an aligned word from the host.
func (m *SDRAM) Write32(off, v uint32) {
	m.mu.Lock()
	m.store(off, v)
	watch := m.watch
	m.mu.Unlock()
	if watch != nil {
		watch(off, v)
	}
}

func (m *SDRAM) load(off uint32) uint32 {
	i := off / 4
	if int(i) >= len(m.words) {
		return openBus
	}
	return m.words[i]
}

func (m *SDRAM) store(off, v uint32) {
	i := off / 4
	if int(i) < len(m.words) {
		m.words[i] = v
	}
}

// put is a firmware-side write. It never triggers the watch.
func (m *SDRAM) put(off, v uint32) {
	m.mu.Lock()
	m.store(off, v)
	m.mu.Unlock()
}

func (m *SDRAM) get(off uint32) uint32 {
	return m.Read32(off)
}

// readBytes copies n bytes starting at off, words taken little-endian.
func (m *SDRAM) readBytes(off, n uint32) ([]byte, bool) {
	if uint64(off)+uint64(n) > uint64(m.Size()) {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, n)
	var word [4]byte
	for i := uint32(0); i < n; {
		addr := off + i
		binary.LittleEndian.PutUint32(word[:], m.words[addr/4])
		k := copy(out[i:], word[addr%4:])
		i += uint32(k)
	}
	return out, true
}

// writeBytes stores b at off. Partial words keep their other bytes.
func (m *SDRAM) writeBytes(off uint32, b []byte) bool {
	if uint64(off)+uint64(len(b)) > uint64(m.Size()) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var word [4]byte
	for i := 0; i < len(b); {
		addr := off + uint32(i)
		idx := addr / 4
		binary.LittleEndian.PutUint32(word[:], m.words[idx])
		k := copy(word[addr%4:], b[i:])
		m.words[idx] = binary.LittleEndian.Uint32(word[:])
		i += k
	}
	return true
}
