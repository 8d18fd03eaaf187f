package spi

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// isFiller matches the all-0xFF pattern an idle peripheral clocks out.
func isFiller(b []byte) bool { return b[0] == 0xFF && b[1] == 0xFF && b[3] == 0xFF }

// ParseWindow walks a receive window frame by frame and calls fn for every
// frame that validates. It stops at a zero size byte or, with
// ErrWindowOverrun, at a frame whose declared size runs past the window.
// Invalid frames are skipped with a warning. Frames passed to fn alias buf.
// It returns the number of frames delivered.
func ParseWindow(buf []byte, fn func(jd.Frame), l *slog.Logger) (int, error) {
	if l == nil {
		l = logging.L()
	}
	n := 0
	for off := 0; off+4 <= len(buf); {
		size := int(buf[off+2])
		if size == 0 {
			break
		}
		sz := jd.HeaderSize + size
		filler := isFiller(buf[off:])
		if off+sz > len(buf) {
			if filler {
				break
			}
			metrics.IncSPIOverrun()
			return n, fmt.Errorf("%w: offset %d size %d window %d", ErrWindowOverrun, off, sz, len(buf))
		}
		if !filler {
			f := jd.Frame(buf[off : off+sz])
			if err := f.Validate(); err != nil {
				if errors.Is(err, jd.ErrBadCRC) {
					metrics.IncCRCError()
				} else {
					metrics.IncMalformed()
				}
				l.Warn("spi_rx_invalid", "offset", off, "error", err)
			} else {
				n++
				if fn != nil {
					fn(f)
				}
			}
		}
		off += jd.Align4(sz)
	}
	return n, nil
}
