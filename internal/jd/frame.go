package jd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout (little-endian):
//
//	crc       u16  [0:2]   CRC16 over bytes[2:HeaderSize+size]
//	size      u8   [2]     data length, multiple of 4
//	flags     u8   [3]
//	device_id u64  [4:12]
//	data      [12:12+size]
const (
	HeaderSize     = 12
	FullHeaderSize = 16 // frame header + first packet header
	MinDataSize    = 4
	MaxDataSize    = 240
	MaxFrameSize   = HeaderSize + MaxDataSize
)

// Frame flag bits.
const (
	FlagCommand                  = 0x01
	FlagAckRequested             = 0x02
	FlagIdentifierIsServiceClass = 0x04
	FlagRelayed                  = 0x80 // frame arrived over a secondary path
)

var (
	ErrShortFrame    = errors.New("jd: short frame")
	ErrBadSize       = errors.New("jd: invalid size")
	ErrUnaligned     = errors.New("jd: size not a multiple of 4")
	ErrBadCRC        = errors.New("jd: crc mismatch")
	ErrFrameTooLarge = errors.New("jd: frame too large")
)

// Frame is the raw wire representation of a JACDAC frame. Slicing a Frame to
// Len() yields exactly the bytes that travel on the wire.
type Frame []byte

func (f Frame) CRC() uint16        { return binary.LittleEndian.Uint16(f[0:2]) }
func (f Frame) Size() int          { return int(f[2]) }
func (f Frame) Flags() byte        { return f[3] }
func (f Frame) DeviceID() uint64   { return binary.LittleEndian.Uint64(f[4:12]) }
func (f Frame) Len() int           { return HeaderSize + f.Size() }
func (f Frame) IsCommand() bool    { return f[3]&FlagCommand != 0 }
func (f Frame) IsRelayed() bool    { return f[3]&FlagRelayed != 0 }
func (f Frame) Data() []byte       { return f[HeaderSize:f.Len()] }
func (f Frame) SetFlags(fl byte)   { f[3] = fl }
func (f Frame) ComputeCRC() uint16 { return CRC16(f[2:f.Len()]) }

// SetCRC recomputes and stores the header CRC.
func (f Frame) SetCRC() { binary.LittleEndian.PutUint16(f[0:2], f.ComputeCRC()) }

// Clone returns a copy trimmed to the frame's wire length.
func (f Frame) Clone() Frame {
	n := len(f)
	if n >= HeaderSize && f.Len() <= n {
		n = f.Len()
	}
	g := make(Frame, n)
	copy(g, f)
	return g
}

// Validate checks the size field and the CRC.
func (f Frame) Validate() error {
	if len(f) < HeaderSize {
		return fmt.Errorf("%w (%d bytes)", ErrShortFrame, len(f))
	}
	sz := f.Size()
	if sz < MinDataSize || sz > MaxDataSize {
		return fmt.Errorf("%w (%d)", ErrBadSize, sz)
	}
	if sz%4 != 0 {
		return fmt.Errorf("%w (%d)", ErrUnaligned, sz)
	}
	if f.Len() > len(f) {
		return fmt.Errorf("%w: got %d bytes, expecting %d", ErrShortFrame, len(f), f.Len())
	}
	if got, want := f.CRC(), f.ComputeCRC(); got != want {
		return fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrBadCRC, got, want)
	}
	return nil
}

// Parse validates b and returns a copy trimmed to the declared frame length.
// Trailing bytes past the frame are ignored.
func Parse(b []byte) (Frame, error) {
	f := Frame(b)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

// Build assembles a frame from a FullHeaderSize header (frame header plus the
// first packet header) and the packet payload. The size field is derived from
// the payload length and the CRC is computed; the header's own size and crc
// bytes are ignored.
func Build(header, payload []byte) (Frame, error) {
	if len(header) != FullHeaderSize {
		return nil, fmt.Errorf("%w: header must be %d bytes (got %d)", ErrShortFrame, FullHeaderSize, len(header))
	}
	size := Align4(len(payload) + 4)
	if size > MaxDataSize {
		return nil, fmt.Errorf("%w (%d)", ErrFrameTooLarge, size)
	}
	f := make(Frame, HeaderSize+size)
	copy(f, header)
	f[2] = byte(size)
	copy(f[FullHeaderSize:], payload)
	f.SetCRC()
	return f, nil
}

// Align4 rounds n up to a multiple of 4.
func Align4(n int) int { return (n + 3) &^ 3 }

// Make assembles a frame for deviceID carrying data (zero padded to a multiple
// of 4) and computes its CRC.
func Make(deviceID uint64, flags byte, data []byte) (Frame, error) {
	size := Align4(len(data))
	if size < MinDataSize || size > MaxDataSize {
		return nil, fmt.Errorf("%w (%d)", ErrBadSize, size)
	}
	f := make(Frame, HeaderSize+size)
	f[2] = byte(size)
	f[3] = flags
	binary.LittleEndian.PutUint64(f[4:12], deviceID)
	copy(f[HeaderSize:], data)
	f.SetCRC()
	return f, nil
}
