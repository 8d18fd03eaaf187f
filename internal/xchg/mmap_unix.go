//go:build unix

package xchg

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is a Memory backed by a shared file mapping, so that two processes
// can exchange frames through the same region file.
type Mapped struct {
	f    *os.File
	data []byte
}

// OpenMapped maps the region file at path. With create set the file is
// created (or truncated) to RegionSize bytes first.
func OpenMapped(path string, create bool) (*Mapped, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}
	if create {
		if err := f.Truncate(RegionSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("size region: %w", err)
		}
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat region: %w", err)
	}
	if st.Size() < RegionSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionSize, st.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap region: %w", err)
	}
	return &Mapped{f: f, data: data}, nil
}

func (m *Mapped) word(off int) *uint32 { return (*uint32)(unsafe.Pointer(&m.data[off])) }

func (m *Mapped) LoadWord(off int) uint32     { return atomic.LoadUint32(m.word(off)) }
func (m *Mapped) StoreWord(off int, v uint32) { atomic.StoreUint32(m.word(off), v) }
func (m *Mapped) Size() int                   { return len(m.data) }

// Close unmaps the region and closes the file.
func (m *Mapped) Close() error {
	err := unix.Munmap(m.data)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
