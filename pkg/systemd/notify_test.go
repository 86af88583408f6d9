package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNotifierOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	var n Notifier
	if n.Ready() {
		t.Fatal("Ready reported delivery without a notify socket")
	}
	if n.Stopping() || n.Status("x") {
		t.Fatal("expected no delivery without a notify socket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		n.Watchdog(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Watchdog should return at once when disabled")
	}
}
