package xchg

import (
	"encoding/binary"
	"sync/atomic"
)

// Memory is word-addressed shared memory. Offsets are in bytes and must be
// multiples of 4. Every access is a single atomic 32-bit operation.
type Memory interface {
	LoadWord(off int) uint32
	StoreWord(off int, v uint32)
	Size() int
}

// Words is an in-process Memory.
type Words struct {
	w []uint32
}

// NewWords allocates size bytes (rounded up to whole words) of zeroed memory.
func NewWords(size int) *Words {
	return &Words{w: make([]uint32, (size+3)/4)}
}

func (m *Words) LoadWord(off int) uint32     { return atomic.LoadUint32(&m.w[off>>2]) }
func (m *Words) StoreWord(off int, v uint32) { atomic.StoreUint32(&m.w[off>>2], v) }
func (m *Words) Size() int                   { return len(m.w) * 4 }

// ReadBytes copies n bytes starting at off, one word at a time.
func ReadBytes(m Memory, off, n int) []byte {
	out := make([]byte, (n+3)&^3)
	for i := 0; i < len(out); i += 4 {
		binary.LittleEndian.PutUint32(out[i:], m.LoadWord(off+i))
	}
	return out[:n]
}
