// Guest memory translation and access for a VM instance.

package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Translate converts a virtual address to a host memory slice.
func (m *Instance) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	hi := addr >> 32
	lo := addr & 0xFFFFFFFF

	// Check for integer overflow in address calculation
	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := lo + size

	switch hi {
	case VaddrProgram >> 32:
		// Program/RO segment - read only
		if write {
			return nil, fmt.Errorf("%w: write to read-only program segment at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		roLen := uint64(len(m.prog.RO))
		if end > roLen || lo > end {
			return nil, fmt.Errorf("%w: read beyond program segment at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, roLen)
		}
		return m.prog.RO[lo:end], nil

	case VaddrStack >> 32:
		// Stack segment
		mem := m.stack.GetFrame(uint32(lo))
		if mem == nil || uint64(len(mem)) < size {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
		}
		return mem[:size], nil

	case VaddrHeap >> 32:
		// Heap segment
		heapLen := uint64(len(m.heap))
		if end > heapLen || lo > end {
			return nil, fmt.Errorf("%w: heap access at 0x%x (size %d, heap size %d)", ErrInvalidMemoryAccess, addr, size, heapLen)
		}
		return m.heap[lo:end], nil

	case VaddrInput >> 32:
		// Input segment. Writes are permitted: mutable parameter records
		// live here and the serializer copies mutations back out after the
		// run. Per-record write protection is the serializer's concern.
		inputLen := uint64(len(m.input))
		if end > inputLen || lo > end {
			return nil, fmt.Errorf("%w: access beyond input segment at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, inputLen)
		}
		return m.input[lo:end], nil

	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
}

// Read reads bytes from virtual memory.
func (m *Instance) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (m *Instance) Read8(addr uint64) (uint8, error) {
	mem, err := m.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a 16-bit value from virtual memory (little-endian).
func (m *Instance) Read16(addr uint64) (uint16, error) {
	mem, err := m.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a 32-bit value from virtual memory (little-endian).
func (m *Instance) Read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from virtual memory (little-endian).
func (m *Instance) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write writes bytes to virtual memory.
func (m *Instance) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (m *Instance) Write8(addr uint64, x uint8) error {
	mem, err := m.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a 16-bit value to virtual memory (little-endian).
func (m *Instance) Write16(addr uint64, x uint16) error {
	mem, err := m.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a 32-bit value to virtual memory (little-endian).
func (m *Instance) Write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a 64-bit value to virtual memory (little-endian).
func (m *Instance) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
