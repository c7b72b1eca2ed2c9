package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type HostOptions struct {
	// ConfirmWindow is how long a second termination request is treated as
	// confirmation after unsaved work blocked the first one.
	ConfirmWindow time.Duration
	Logger        Logger
	Now           func() time.Time
}

// WatchOS maps process signals onto lifecycle signals. Interrupt and
// terminate emit Hiding then Unloading; if a listener prevents Unloading the
// process keeps running until the request is repeated within ConfirmWindow.
// The returned channel is closed when the host should exit.
func WatchOS(ctx context.Context, emitter *Emitter, opts HostOptions) <-chan struct{} {
	sigCh := make(chan os.Signal, 4)
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	for sig := range visibilitySignals {
		signals = append(signals, sig)
	}
	signal.Notify(sigCh, signals...)
	exit := watch(ctx, emitter, sigCh, opts)
	go func() {
		<-exit
		signal.Stop(sigCh)
	}()
	return exit
}

func watch(ctx context.Context, emitter *Emitter, sigCh <-chan os.Signal, opts HostOptions) <-chan struct{} {
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	exit := make(chan struct{})
	go func() {
		defer close(exit)
		var blockedAt time.Time
		for {
			select {
			case <-ctx.Done():
				emitter.Emit(Hiding)
				emitter.Emit(Unloading)
				return
			case sig := <-sigCh:
				if mapped, ok := visibilitySignals[sig]; ok {
					emitter.Emit(mapped)
					continue
				}
				emitter.Emit(Hiding)
				prevented := emitter.Emit(Unloading)
				now := opts.Now()
				if !prevented {
					return
				}
				if !blockedAt.IsZero() && now.Sub(blockedAt) <= opts.ConfirmWindow {
					logf(opts.Logger, "exit confirmed with unsaved changes still pending")
					return
				}
				blockedAt = now
				logf(opts.Logger, "unsaved changes pending; repeat within %s to exit anyway", opts.ConfirmWindow)
			}
		}
	}()
	return exit
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
