package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// WatchLocker watches an external locker process and calls onExit once it
// terminates. Locker exit means the user authenticated, which counts as
// activity, so the caller typically feeds it back into the engine. The watch
// ends when the context does.
func WatchLocker(ctx context.Context, pid int, interval time.Duration, onExit func(), logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Gone before we looked; a crashing locker still ends the lock.
		logger.Warn("Locker process not found", "pid", pid, "error", err)
		onExit()
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Debug("Watching locker process", "pid", pid)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				running, err := proc.IsRunning()
				if err != nil || !running {
					logger.Info("Locker process exited", "pid", pid)
					onExit()
					return
				}
			}
		}
	}()
}
