package sim

import (
	"fmt"
	"sort"
	"sync"
)

// bank is one contiguous piece of simulated physical memory.
type bank struct {
	base uint64
	data []byte
	free func() error
}

func (b *bank) end() uint64 { return b.base + uint64(len(b.data)) }

// Memory is simulated physical memory: RAM banks plus the framebuffer.
// Accesses that are not fully inside one bank fail.
type Memory struct {
	mu    sync.RWMutex
	banks []*bank
}

func (m *Memory) addBank(base, size uint64) (*bank, error) {
	data, free, err := allocateBacking(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %#x bytes of backing at %#x: %w", size, base, err)
	}
	b := &bank{base: base, data: data, free: free}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.banks = append(m.banks, b)
	sort.Slice(m.banks, func(i, j int) bool { return m.banks[i].base < m.banks[j].base })
	return b, nil
}

func (m *Memory) find(addr uint64, n int) ([]byte, error) {
	for _, b := range m.banks {
		if addr >= b.base && addr < b.end() {
			off := addr - b.base
			if uint64(n) > uint64(len(b.data))-off {
				return nil, fmt.Errorf("physical access [%#x, %#x) crosses the end of memory at %#x", addr, addr+uint64(n), b.end())
			}
			return b.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("physical address %#x is not backed by memory", addr)
}

// ReadAt implements firmware.PhysicalMemory.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, err := m.find(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements firmware.PhysicalMemory.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dst, err := m.find(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Close releases the backing of every bank.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for _, b := range m.banks {
		if b.free == nil {
			continue
		}
		if err := b.free(); err != nil && first == nil {
			first = err
		}
	}
	m.banks = nil
	return first
}
