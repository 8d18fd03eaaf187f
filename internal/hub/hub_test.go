package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

func frame(id uint64) jd.Frame {
	f, err := jd.Make(id, 0, []byte{1, 2, 3, 4})
	if err != nil {
		panic(err)
	}
	return f
}

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	f := frame(0x123)
	for i := 0; i < 1000; i++ {
		h.Broadcast(f)
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	// Buffer should be full
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	// Fill slow buffer
	h.Broadcast(frame(1))

	for i := 0; i < 10; i++ {
		h.Broadcast(frame(2))
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatalf("fast client did not receive any frames while slow was backpressured")
	}
}

func TestHub_PolicyKickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)
	before := metrics.Snap().HubKicks

	h.Broadcast(frame(1))
	h.Broadcast(frame(2))
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("slow client not kicked")
	}
	if metrics.Snap().HubKicks <= before {
		t.Fatalf("kick not counted")
	}
}

func TestHub_LogFrameCopies(t *testing.T) {
	h := New()
	cl := NewClient(2)
	h.Add(cl)
	defer h.Remove(cl)

	f := frame(7)
	padded := append(append(jd.Frame(nil), f...), 0xAA, 0xBB)
	h.LogFrame(padded)
	padded[4] = 0xFF

	got := <-cl.Out
	if got.DeviceID() != 7 || len(got) != len(f) {
		t.Fatalf("unexpected frame % X", got)
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("expected no clients, got %d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"drop": PolicyDrop, "kick": PolicyKick} {
		got, err := ParsePolicy(in)
		if err != nil || got != want || got.String() != in {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if p, err := ParsePolicy("block"); err == nil || p != PolicyDrop {
		t.Fatalf("expected error and drop fallback, got %v, %v", p, err)
	}
}

func TestHub_LogFrameAccounting(t *testing.T) {
	h := New()
	h.LogFrame(frame(1)) // no clients: traced, nothing lost
	if st := h.Stats(); st.Traced != 1 || st.Lost != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	slow := NewClient(1)
	fast := NewClient(4)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(fast)
	before := metrics.Snap().QueueDrops

	h.LogFrame(frame(2))
	h.LogFrame(frame(3)) // slow is full, fast still takes it
	if st := h.Stats(); st.Lost != 0 || st.Dropped != 1 {
		t.Fatalf("partial delivery is not a loss: %+v", st)
	}
	if slow.Dropped() != 1 || slow.Queued() != 1 || fast.Queued() != 2 {
		t.Fatalf("per-client counters: slow %d/%d fast %d", slow.Queued(), slow.Dropped(), fast.Queued())
	}

	h.Remove(slow)
	h.LogFrame(frame(4))
	h.LogFrame(frame(5))
	h.LogFrame(frame(6)) // fast is now full
	st := h.Stats()
	if st.Traced != 6 || st.Lost != 1 {
		t.Fatalf("expected one lost frame, got %+v", st)
	}
	if metrics.Snap().QueueDrops != before+1 {
		t.Fatalf("lost trace frame not counted on the log queue")
	}
}

func TestHub_KickedClientSkipped(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)

	h.Broadcast(frame(1))
	h.Broadcast(frame(2))
	h.Broadcast(frame(3))
	if st := h.Stats(); st.Kicked != 1 || st.Dropped != 1 {
		t.Fatalf("a closed client must not be kicked twice: %+v", st)
	}
}
