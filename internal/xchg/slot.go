package xchg

import (
	"encoding/binary"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
)

func wordAt(b []byte, i int) uint32 {
	var w [4]byte
	copy(w[:], b[4*i:])
	return binary.LittleEndian.Uint32(w[:])
}

// sentinel returns the full/empty byte of the window at off.
func sentinel(m Memory, off int) byte {
	return byte(m.LoadWord(off) >> (8 * sentinelIdx))
}

// writeSlot publishes f into the window at off. Words 1..n-1 go first and
// word 0, which carries the sentinel, is stored last; a reader that observes
// the sentinel therefore observes the whole frame.
func writeSlot(m Memory, off int, f []byte) {
	n := (len(f) + 3) / 4
	if n > WindowSize/4 {
		n = WindowSize / 4
	}
	for i := 1; i < n; i++ {
		m.StoreWord(off+4*i, wordAt(f, i))
	}
	m.StoreWord(off, wordAt(f, 0))
}

// readSlot copies the frame out of the window at off. ok is false when the
// window is empty or still armed. The returned frame is not validated.
func readSlot(m Memory, off int) (f jd.Frame, ok bool) {
	w0 := m.LoadWord(off)
	size := int(byte(w0 >> (8 * sentinelIdx)))
	if size == 0 || size == Armed {
		return nil, false
	}
	n := min(jd.HeaderSize+size, WindowSize)
	buf := make([]byte, (n+3)&^3)
	binary.LittleEndian.PutUint32(buf, w0)
	for i := 4; i < len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], m.LoadWord(off+i))
	}
	return jd.Frame(buf[:n]), true
}

// clearSentinel marks the window at off empty, keeping the rest of word 0.
func clearSentinel(m Memory, off int) {
	m.StoreWord(off, m.LoadWord(off)&^(0xFF<<(8*sentinelIdx)))
}
