package wasm

import (
	"encoding/binary"
	"math"
	"sync"
)

// MemoryInstance is the mutable linear memory of one instance.
//
// Growth may relocate Buffer, so any raw address computed before a call
// that can execute guest code must be revalidated after that call returns.
// For non-shared memories no locking occurs: growth only happens on the
// call stack doing the access. Shared memories serialize growth and the
// atomic accessors through mux.
type MemoryInstance struct {
	Buffer []byte
	// Min and Max are in pages. Max is always populated at instantiation,
	// defaulted to the hard limit when the declaration had none.
	Min, Max   uint32
	Shared     bool
	IsMemory64 bool

	mux sync.RWMutex
}

// NewMemoryInstance allocates the zero-initialized backing storage for the
// declared memory.
func NewMemoryInstance(decl *Memory) *MemoryInstance {
	max := MemoryLimitPages
	if decl.IsMemory64 {
		max = Memory64LimitPages
	}
	if decl.IsMaxEncoded {
		max = decl.Max
	}
	return &MemoryInstance{
		Buffer:     make([]byte, PagesToBytes(decl.Min)),
		Min:        decl.Min,
		Max:        max,
		Shared:     decl.Shared,
		IsMemory64: decl.IsMemory64,
	}
}

// PagesToBytes converts a page count into a byte length.
func PagesToBytes(pages uint32) uint64 {
	return uint64(pages) << MemoryPageSizeInBits
}

// BytesToPages converts a byte length into a page count, rounding down.
func BytesToPages(bytes uint64) uint32 {
	return uint32(bytes >> MemoryPageSizeInBits)
}

// Size returns the current buffer length in bytes.
func (m *MemoryInstance) Size() uint64 {
	return uint64(len(m.Buffer))
}

// Pages returns the current buffer length in pages.
func (m *MemoryInstance) Pages() uint32 {
	return BytesToPages(uint64(len(m.Buffer)))
}

// hasSize returns true if an access of sizeInBytes at offset stays within
// the buffer. The addition cannot overflow: offsets reaching here are below
// 2^48 and widths are small.
func (m *MemoryInstance) hasSize(offset uint64, sizeInBytes uint64) bool {
	return offset+sizeInBytes <= uint64(len(m.Buffer))
}

// EffectiveAddress computes base+offset in the memory's address type,
// returning ok=false when the addition overflows that type. An overflowing
// address always traps regardless of the current size.
func (m *MemoryInstance) EffectiveAddress(base, offset uint64) (uint64, bool) {
	if m.IsMemory64 {
		sum := base + offset
		return sum, sum >= base
	}
	// 32-bit memories: indexes are u32 and the computation is exact in u64,
	// but the effective address must still fit the bounds check domain.
	return (base & math.MaxUint32) + offset, true
}

// Grow extends the buffer by deltaPages, returning the previous size in
// pages, or false when the result would exceed the maximum. Growth is
// all-or-nothing: on failure the state is unchanged.
func (m *MemoryInstance) Grow(deltaPages uint32) (result uint32, ok bool) {
	if m.Shared {
		m.mux.Lock()
		defer m.mux.Unlock()
	}
	currentPages := m.Pages()
	if deltaPages == 0 {
		return currentPages, true
	}
	// Detect the arithmetic overflow of uint32(currentPages+deltaPages).
	if uint64(currentPages)+uint64(deltaPages) > uint64(m.Max) {
		return 0, false
	}
	m.Buffer = append(m.Buffer, make([]byte, PagesToBytes(deltaPages))...)
	return currentPages, true
}

// ReadByte reads a single byte, returning false on out-of-bounds.
func (m *MemoryInstance) ReadByte(offset uint64) (byte, bool) {
	if !m.hasSize(offset, 1) {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint16Le reads a little-endian 16-bit integer.
func (m *MemoryInstance) ReadUint16Le(offset uint64) (uint16, bool) {
	if !m.hasSize(offset, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.Buffer[offset:]), true
}

// ReadUint32Le reads a little-endian 32-bit integer.
func (m *MemoryInstance) ReadUint32Le(offset uint64) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset:]), true
}

// ReadUint64Le reads a little-endian 64-bit integer.
func (m *MemoryInstance) ReadUint64Le(offset uint64) (uint64, bool) {
	if !m.hasSize(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset:]), true
}

// Read returns a view of byteCount bytes at offset. The view aliases the
// buffer and is invalidated by growth.
func (m *MemoryInstance) Read(offset, byteCount uint64) ([]byte, bool) {
	if !m.hasSize(offset, byteCount) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte writes a single byte, returning false on out-of-bounds.
func (m *MemoryInstance) WriteByte(offset uint64, v byte) bool {
	if !m.hasSize(offset, 1) {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint16Le writes a little-endian 16-bit integer.
func (m *MemoryInstance) WriteUint16Le(offset uint64, v uint16) bool {
	if !m.hasSize(offset, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(m.Buffer[offset:], v)
	return true
}

// WriteUint32Le writes a little-endian 32-bit integer.
func (m *MemoryInstance) WriteUint32Le(offset uint64, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteUint64Le writes a little-endian 64-bit integer.
func (m *MemoryInstance) WriteUint64Le(offset uint64, v uint64) bool {
	if !m.hasSize(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// Write copies val into the buffer at offset, all-or-nothing.
func (m *MemoryInstance) Write(offset uint64, val []byte) bool {
	if !m.hasSize(offset, uint64(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// Fill sets byteCount bytes at offset to v, all-or-nothing.
func (m *MemoryInstance) Fill(offset uint64, v byte, byteCount uint64) bool {
	if !m.hasSize(offset, byteCount) {
		return false
	}
	buf := m.Buffer[offset : offset+byteCount]
	for i := range buf {
		buf[i] = v
	}
	return true
}

// Copy moves byteCount bytes from src to dest within this memory, handling
// overlap, all-or-nothing.
func (m *MemoryInstance) Copy(dest, src, byteCount uint64) bool {
	if !m.hasSize(dest, byteCount) || !m.hasSize(src, byteCount) {
		return false
	}
	copy(m.Buffer[dest:dest+byteCount], m.Buffer[src:src+byteCount])
	return true
}

// AtomicReadUint32Le reads a 32-bit integer with the instance lock held.
// Only meaningful for shared memories; callers on non-shared memories
// should use ReadUint32Le.
func (m *MemoryInstance) AtomicReadUint32Le(offset uint64) (uint32, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.ReadUint32Le(offset)
}

// AtomicWriteUint32Le writes a 32-bit integer with the instance lock held.
func (m *MemoryInstance) AtomicWriteUint32Le(offset uint64, v uint32) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.WriteUint32Le(offset, v)
}

// AtomicReadUint64Le reads a 64-bit integer with the instance lock held.
func (m *MemoryInstance) AtomicReadUint64Le(offset uint64) (uint64, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.ReadUint64Le(offset)
}

// AtomicWriteUint64Le writes a 64-bit integer with the instance lock held.
func (m *MemoryInstance) AtomicWriteUint64Le(offset uint64, v uint64) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.WriteUint64Le(offset, v)
}
