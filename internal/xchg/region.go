// Package xchg implements the single-slot duplex exchange shared by a host
// and a peripheral through a block of memory.
//
// Region layout:
//
//	magic  [0:8]     "JDmx\xe9\xc0\xa6\xb0"
//	irqn   [8]       interrupt the host raises after touching a window
//	pad    [9:12]
//	recv   [12:268]  peripheral -> host window
//	send   [268:524] host -> peripheral window
//
// Byte 2 of each window (the frame size byte) is the full/empty sentinel:
// zero means empty, anything else means a frame is present. The receive
// window sentinel is initialized to Armed and stays locked until the host
// clears it on attach.
package xchg

import (
	"encoding/binary"
	"errors"
)

const (
	MagicSize   = 8
	IrqnOffset  = 8
	RecvOffset  = 12
	WindowSize  = 256
	SendOffset  = RecvOffset + WindowSize
	RegionSize  = SendOffset + WindowSize
	sentinelIdx = 2
	// Armed marks a receive window the host has not attached to yet.
	Armed = 0xFF
)

// Magic identifies an initialized exchange region.
var Magic = [MagicSize]byte{'J', 'D', 'm', 'x', 0xe9, 0xc0, 0xa6, 0xb0}

var (
	ErrBadMagic     = errors.New("xchg: bad magic")
	ErrNotArmed     = errors.New("xchg: receive window not armed; reset the peripheral")
	ErrRegionSize   = errors.New("xchg: region too small")
	ErrNotAttached  = errors.New("xchg: host not attached")
	ErrQueueFull    = errors.New("xchg: send queue full")
	ErrWindowFormat = errors.New("xchg: window holds an invalid frame")
)

func magicWords() (uint32, uint32) {
	return binary.LittleEndian.Uint32(Magic[0:4]), binary.LittleEndian.Uint32(Magic[4:8])
}

// checkMagic verifies the magic bytes and returns the advertised irqn.
func checkMagic(m Memory) (byte, error) {
	if m.Size() < RegionSize {
		return 0, ErrRegionSize
	}
	w0, w1 := magicWords()
	if m.LoadWord(0) != w0 || m.LoadWord(4) != w1 {
		return 0, ErrBadMagic
	}
	return byte(m.LoadWord(IrqnOffset)), nil
}
