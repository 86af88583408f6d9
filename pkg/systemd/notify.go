// Package systemd reports service state to systemd through the notify socket.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is ready to use.
type Notifier struct {
	// OnError is called when the notify socket rejects a message.
	OnError func(state string, err error)
}

func (n Notifier) send(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil && n.OnError != nil {
		n.OnError(state, err)
	}
	return ok
}

// Ready reports that startup finished. It returns false outside systemd.
func (n Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n Notifier) Status(text string) bool { return n.send("STATUS=" + text) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns immediately when the unit has no watchdog.
func (n Notifier) Watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		if err != nil && n.OnError != nil {
			n.OnError("WATCHDOG", err)
		}
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
