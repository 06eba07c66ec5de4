package session

import (
	"os"
	"os/signal"
	"syscall"
)

// watchSignals turns a termination signal into a shutdown request. The
// handler only enqueues; it never touches loop-owned state. The returned
// func uninstalls it.
func (c *Controller) watchSignals() func() {
	notify, stop := c.opts.Notify, c.opts.StopNotify
	if notify == nil {
		notify = signal.Notify
	}
	if stop == nil {
		stop = signal.Stop
	}

	ch := make(chan os.Signal, 1)
	notify(ch, syscall.SIGTERM, os.Interrupt)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				c.logger.Warn(signalName(sig) + " signal received")
				c.shutdown.RequestShutdown(signalName(sig))
			case <-quit:
				return
			}
		}
	}()
	return func() {
		stop(ch)
		close(quit)
	}
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case os.Interrupt:
		return "SIGINT"
	default:
		return sig.String()
	}
}
