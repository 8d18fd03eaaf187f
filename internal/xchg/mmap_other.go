//go:build !unix

package xchg

import "errors"

// Mapped is unavailable on this platform.
type Mapped struct{ Words }

func OpenMapped(string, bool) (*Mapped, error) {
	return nil, errors.New("xchg: shared region mapping not supported on this platform")
}

func (m *Mapped) Close() error { return nil }
