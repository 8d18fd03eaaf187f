package jd

import (
	"bytes"
	"errors"
	"testing"
)

func TestCRC16Vectors(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint16
	}{
		{[]byte("123456789"), 0x29B1},
		{[]byte{0x01, 0x02, 0x03, 0x04}, 0x89C3},
		{nil, 0xFFFF},
	}
	for _, tc := range tests {
		if got := CRC16(tc.in); got != tc.want {
			t.Fatalf("CRC16(% X) = 0x%04X want 0x%04X", tc.in, got, tc.want)
		}
	}
}

func TestMakeAndParse(t *testing.T) {
	f, err := Make(0x1122334455667788, FlagCommand, []byte{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if f.Size() != 8 || f.Len() != HeaderSize+8 {
		t.Fatalf("size=%d len=%d", f.Size(), f.Len())
	}
	if f.DeviceID() != 0x1122334455667788 || !f.IsCommand() || f.IsRelayed() {
		t.Fatalf("header fields wrong: % X", []byte(f))
	}
	// trailing garbage is trimmed
	g, err := Parse(append(append([]byte{}, f...), 0xEE, 0xEE))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(g, f) {
		t.Fatalf("parsed frame mismatch\n got % X\nwant % X", []byte(g), []byte(f))
	}
}

func TestValidateErrors(t *testing.T) {
	good, _ := Make(1, 0, []byte{9, 9, 9, 9})
	tests := []struct {
		name string
		mod  func(Frame) Frame
		want error
	}{
		{"short", func(f Frame) Frame { return f[:6] }, ErrShortFrame},
		{"zeroSize", func(f Frame) Frame { f[2] = 0; return f }, ErrBadSize},
		{"hugeSize", func(f Frame) Frame { f[2] = 244; return f }, ErrBadSize},
		{"unaligned", func(f Frame) Frame { f[2] = 5; return f }, ErrUnaligned},
		{"truncated", func(f Frame) Frame { f[2] = 8; return f }, ErrShortFrame},
		{"crc", func(f Frame) Frame { f[HeaderSize] ^= 0xFF; return f }, ErrBadCRC},
	}
	for _, tc := range tests {
		f := tc.mod(good.Clone())
		if err := f.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}
}

func TestBuild(t *testing.T) {
	hdr := make([]byte, FullHeaderSize)
	hdr[3] = FlagCommand
	hdr[4] = 0xAB
	hdr[12] = 3 // packet service_size
	f, err := Build(hdr, []byte{7, 8, 9})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if f.Size() != 8 {
		t.Fatalf("size = %d want 8", f.Size())
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("built frame invalid: %v", err)
	}
	if !bytes.Equal(f[FullHeaderSize:FullHeaderSize+3], []byte{7, 8, 9}) {
		t.Fatalf("payload not placed after full header: % X", []byte(f))
	}
	if _, err := Build(hdr[:12], nil); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame for short header, got %v", err)
	}
	if _, err := Build(hdr, make([]byte, MaxDataSize)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func FuzzParse(f *testing.F) {
	seed, _ := Make(7, 0, []byte{1, 2, 3, 4})
	f.Add([]byte(seed))
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		fr, err := Parse(data)
		if err == nil && fr.Validate() != nil {
			t.Fatalf("Parse accepted an invalid frame")
		}
	})
}
