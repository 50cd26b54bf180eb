package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestBucketKeyStableWithinWindow(t *testing.T) {
	window := time.Minute
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	a := bucketKey("10.0.0.7", base, window)
	b := bucketKey("10.0.0.7", base.Add(30*time.Second), window)
	if a != b {
		t.Fatalf("same window produced different keys: %q vs %q", a, b)
	}

	c := bucketKey("10.0.0.7", base.Add(time.Minute), window)
	if a == c {
		t.Fatal("next window should produce a new key")
	}

	d := bucketKey("10.0.0.8", base, window)
	if a == d {
		t.Fatal("different clients should not share a key")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/market/items", nil)
	r.RemoteAddr = "192.0.2.44:51100"
	if got := clientIP(r); got != "192.0.2.44" {
		t.Fatalf("clientIP = %q, want 192.0.2.44", got)
	}

	r.RemoteAddr = "192.0.2.44"
	if got := clientIP(r); got != "192.0.2.44" {
		t.Fatalf("clientIP without port = %q", got)
	}
}
