//go:build !linux

package spi

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("spi: hardware access requires linux")

type Spidev struct{}

func OpenSpidev(string, uint8, uint32) (*Spidev, error) { return nil, errUnsupported }
func (*Spidev) Transfer(_, _ []byte) error              { return errUnsupported }
func (*Spidev) Close() error                            { return nil }

type SysfsPin struct{}

func ExportPin(int, string, string) (*SysfsPin, error) { return nil, errUnsupported }
func (*SysfsPin) Num() int                             { return 0 }
func (*SysfsPin) Read() (bool, error)                  { return false, errUnsupported }
func (*SysfsPin) Write(bool) error                     { return errUnsupported }
func (*SysfsPin) Close() error                         { return nil }

func WatchEdges(context.Context, chan<- struct{}, ...*SysfsPin) error { return errUnsupported }
func ResetPeripheral(int) error                                       { return errUnsupported }
