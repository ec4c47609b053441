package observer

import (
	"context"
	"fmt"
	"time"
)

// Countdown formats the time left until expiresAt as mm:ss. Expired charges
// read 00:00; the order itself is left untouched.
func Countdown(expiresAt, now time.Time) string {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return "00:00"
	}
	secs := int(left / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Ticker emits the countdown once per second. It sends 00:00 once and then
// closes, or closes early when ctx is done.
func Ticker(ctx context.Context, expiresAt time.Time, now func() time.Time) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			v := Countdown(expiresAt, now())
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
			if v == "00:00" {
				return
			}
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
