package main

import (
	"context"
	"sync"
	"testing"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
)

func TestPortOf(t *testing.T) {
	cases := map[string]int{
		"127.0.0.1:20000": 20000,
		":20000":          20000,
		"[::1]:8080":      8080,
		"localhost":       0,
		"host:notaport":   0,
	}
	for addr, want := range cases {
		if got := portOf(addr); got != want {
			t.Fatalf("portOf(%q) = %d want %d", addr, got, want)
		}
	}
}

func TestMDNSTXT(t *testing.T) {
	txt := mdnsTXT(&appConfig{backend: backendShm})
	want := map[string]bool{"backend=shm": false, "proto=JDBRIDGEv1": false}
	for _, kv := range txt {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Fatalf("missing TXT record %q in %v", kv, txt)
		}
	}
}

func TestStartMDNSDisabled(t *testing.T) {
	stop, err := startMDNS(context.Background(), &appConfig{}, 20000)
	if err != nil {
		t.Fatalf("disabled mdns should not fail: %v", err)
	}
	stop()
}

func TestStartMQTTDisabled(t *testing.T) {
	h := hub.New()
	var wg sync.WaitGroup
	stop, err := startMQTT(context.Background(), &appConfig{}, h, testLogger(), &wg)
	if err != nil {
		t.Fatalf("disabled mqtt should not fail: %v", err)
	}
	stop()
	wg.Wait()
	if h.Count() != 0 {
		t.Fatalf("disabled mqtt must not attach a hub client")
	}
}
