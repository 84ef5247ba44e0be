package app

import (
	"context"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"triggerd/pkg/logx"
)

// startSystemd signals READY and, when the unit configures WatchdogSec,
// starts the keepalive loop. No-ops outside systemd.
func (a *App) startSystemd() {
	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}

	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
			}
		}
	})
	a.log.Debug("systemd watchdog keepalive started", logx.Duration("interval", interval))
}

func (a *App) notifySystemdStopping() {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
}
