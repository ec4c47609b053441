package observer

import (
	"context"
	"testing"
	"time"
)

func TestCountdown(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		left time.Duration
		want string
	}{
		{30 * time.Minute, "30:00"},
		{29*time.Minute + 59*time.Second + 900*time.Millisecond, "29:59"},
		{61 * time.Second, "01:01"},
		{time.Second, "00:01"},
		{0, "00:00"},
		{-5 * time.Minute, "00:00"},
	}
	for _, tc := range tests {
		if got := Countdown(now.Add(tc.left), now); got != tc.want {
			t.Errorf("Countdown(%v) = %q, want %q", tc.left, got, tc.want)
		}
	}
}

func TestTickerStopsAtZero(t *testing.T) {
	now := time.Now()
	ch := Ticker(context.Background(), now.Add(-time.Second), func() time.Time { return now })

	if v := <-ch; v != "00:00" {
		t.Fatalf("value = %q", v)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("ticker kept running after expiry")
		}
	case <-time.After(time.Second):
		t.Fatal("ticker not closed")
	}
}

func TestTickerCancel(t *testing.T) {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	ch := Ticker(ctx, now.Add(10*time.Minute), func() time.Time { return now })

	if v := <-ch; v != "10:00" {
		t.Fatalf("value = %q", v)
	}
	cancel()
	for range ch {
	}
}
