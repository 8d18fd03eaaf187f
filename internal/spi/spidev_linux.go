//go:build linux

package spi

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl requests (linux/spi/spidev.h).
const (
	spiIocWrMode   = 0x40016b01 // _IOW('k', 1, __u8)
	spiIocMessage1 = 0x40206b00 // _IOW('k', 0, struct spi_ioc_transfer[1])
)

// spiIocTransfer mirrors struct spi_ioc_transfer (32 bytes).
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Spidev is a Transferer on a /dev/spidevB.C character device.
type Spidev struct {
	f       *os.File
	speedHz uint32
}

// OpenSpidev opens path and sets the SPI mode.
func OpenSpidev(path string, mode uint8, speedHz uint32) (*Spidev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := ioctl(f.Fd(), spiIocWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("set spi mode %d: %w", mode, err)
	}
	if speedHz == 0 {
		speedHz = DefaultSpeedHz
	}
	return &Spidev{f: f, speedHz: speedHz}, nil
}

func ioctl(fd, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// Transfer clocks tx out while reading the same number of bytes into rx.
func (s *Spidev) Transfer(tx, rx []byte) error {
	if len(tx) == 0 || len(rx) < len(tx) {
		return fmt.Errorf("spi transfer: bad buffers tx=%d rx=%d", len(tx), len(rx))
	}
	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     s.speedHz,
		bitsPerWord: 8,
	}
	err := ioctl(s.f.Fd(), spiIocMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if err != nil {
		return fmt.Errorf("SPI_IOC_MESSAGE: %w", err)
	}
	return nil
}

func (s *Spidev) Close() error { return s.f.Close() }
