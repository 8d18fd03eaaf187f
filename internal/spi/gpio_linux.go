//go:build linux

package spi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// sysfsGPIO is the sysfs GPIO root; tests point it at a temp dir.
var sysfsGPIO = "/sys/class/gpio"

// SysfsPin is a GPIO line driven through the sysfs interface.
type SysfsPin struct {
	num   int
	value *os.File
}

func writeAttr(path, v string) error {
	return os.WriteFile(path, []byte(v), 0o644)
}

// ExportPin exports pin num and configures direction ("in"/"out") and, for
// inputs, the interrupt edge ("none", "rising", "falling", "both").
func ExportPin(num int, direction, edge string) (*SysfsPin, error) {
	dir := filepath.Join(sysfsGPIO, "gpio"+strconv.Itoa(num))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := writeAttr(filepath.Join(sysfsGPIO, "export"), strconv.Itoa(num)); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", num, err)
		}
	}
	if err := writeAttr(filepath.Join(dir, "direction"), direction); err != nil {
		return nil, fmt.Errorf("gpio %d direction: %w", num, err)
	}
	if direction == "in" && edge != "" {
		if err := writeAttr(filepath.Join(dir, "edge"), edge); err != nil {
			return nil, fmt.Errorf("gpio %d edge: %w", num, err)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, "value"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio %d value: %w", num, err)
	}
	return &SysfsPin{num: num, value: f}, nil
}

func (p *SysfsPin) Num() int { return p.num }

func (p *SysfsPin) Read() (bool, error) {
	var b [1]byte
	if _, err := p.value.ReadAt(b[:], 0); err != nil {
		return false, fmt.Errorf("gpio %d read: %w", p.num, err)
	}
	return b[0] == '1', nil
}

func (p *SysfsPin) Write(v bool) error {
	s := "0"
	if v {
		s = "1"
	}
	if _, err := p.value.WriteAt([]byte(s), 0); err != nil {
		return fmt.Errorf("gpio %d write: %w", p.num, err)
	}
	return nil
}

// SetDirection switches the line between "in" and "out".
func (p *SysfsPin) SetDirection(direction string) error {
	return writeAttr(filepath.Join(sysfsGPIO, "gpio"+strconv.Itoa(p.num), "direction"), direction)
}

func (p *SysfsPin) Close() error { return p.value.Close() }

// WatchEdges polls the value files of pins for edge events and sends one
// coalesced signal on out per wakeup. It returns when ctx is done.
func WatchEdges(ctx context.Context, out chan<- struct{}, pins ...*SysfsPin) error {
	fds := make([]unix.PollFd, len(pins))
	for i, p := range pins {
		fds[i] = unix.PollFd{Fd: int32(p.value.Fd()), Events: unix.POLLPRI | unix.POLLERR}
		// Consume the initial state so the first poll waits for a real edge.
		_, _ = p.Read()
	}
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			metrics.IncError(metrics.ErrGPIO)
			return fmt.Errorf("gpio poll: %w", err)
		}
		if n == 0 {
			continue
		}
		for i := range fds {
			if fds[i].Revents != 0 {
				_, _ = pins[i].Read()
				fds[i].Revents = 0
			}
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
	return ctx.Err()
}

// ResetPeripheral pulses the reset line low for 10ms, then releases it as an
// input.
func ResetPeripheral(num int) error {
	p, err := ExportPin(num, "out", "")
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.Write(false); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	if err := p.Write(true); err != nil {
		return err
	}
	logging.L().Debug("spi_peripheral_reset", "pin", num)
	return p.SetDirection("in")
}
