package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// framePrinter writes the stdout trace: one "<ms since start> <hex>" line per
// frame, flushed once per Print call.
type framePrinter struct {
	mu    sync.Mutex
	w     *bufio.Writer
	start time.Time
}

func newFramePrinter(w io.Writer, start time.Time) *framePrinter {
	return &framePrinter{w: bufio.NewWriter(w), start: start}
}

// Print is a no-op on a nil printer.
func (p *framePrinter) Print(ts time.Time, frames ...jd.Frame) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := ts.Sub(p.start).Milliseconds()
	for _, f := range frames {
		n := len(f)
		if n >= jd.HeaderSize && f.Len() <= n {
			n = f.Len()
		}
		if _, err := fmt.Fprintf(p.w, "%d %x\n", ms, []byte(f[:n])); err != nil {
			return err
		}
	}
	return p.w.Flush()
}

func hexDigit(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c|0x20 && c|0x20 <= 'f':
		return int(c|0x20-'a') + 10
	}
	return -1
}

// readHexFrames reads hex-encoded frames, one per line, and hands each to
// queue. Blanks and tabs are ignored anywhere in the line; an invalid
// character is skipped with a warning. Lines longer than a frame are
// discarded. It returns nil at EOF.
func readHexFrames(ctx context.Context, r io.Reader, queue func(jd.Frame) error, l *slog.Logger) error {
	br := bufio.NewReader(r)
	buf := make([]byte, 0, jd.MaxFrameSize)
	tooLarge := false
	flush := func() {
		defer func() { buf, tooLarge = buf[:0], false }()
		if tooLarge {
			metrics.IncError(metrics.ErrStdinReject)
			l.Warn("stdin_frame_too_large", "max", jd.MaxFrameSize)
			return
		}
		if len(buf) == 0 {
			return
		}
		if err := queue(jd.Frame(buf).Clone()); err != nil {
			metrics.IncError(metrics.ErrStdinReject)
			l.Warn("stdin_frame_rejected", "error", err, "len", len(buf))
		}
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return nil
			}
			return fmt.Errorf("stdin: %w", err)
		}
		switch c {
		case '\r', '\n':
			flush()
			continue
		case ' ', '\t':
			continue
		}
		high := hexDigit(c)
		if high < 0 {
			l.Warn("stdin_invalid_character", "char", string(rune(c)))
			continue
		}
		c2, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.Warn("stdin_odd_digit_count")
				flush()
				return nil
			}
			return fmt.Errorf("stdin: %w", err)
		}
		low := hexDigit(c2)
		if low < 0 {
			l.Warn("stdin_invalid_character", "char", string(rune(c2)))
			if c2 == '\n' || c2 == '\r' {
				flush()
			}
			continue
		}
		if len(buf) >= jd.MaxFrameSize {
			tooLarge = true
			continue
		}
		buf = append(buf, byte(high<<4|low))
	}
}
