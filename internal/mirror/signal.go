package mirror

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var deferredSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// signalDeferrer runs a section of code that must not be interrupted.
// Termination signals received meanwhile are queued and delivered to the
// process again once the section is over.
type signalDeferrer struct {
	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
	raise  func(sig os.Signal) error
}

func newSignalDeferrer() *signalDeferrer {
	return &signalDeferrer{
		notify: signal.Notify,
		stop:   signal.Stop,
		raise:  raiseSignal,
	}
}

func raiseSignal(sig os.Signal) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// run calls fn with termination signals deferred.
//
// When run re-delivers a signal, the default disposition applies again, so
// the process normally exits before run returns.
func (d *signalDeferrer) run(fn func() error) error {
	ch := make(chan os.Signal, 1)
	d.notify(ch, deferredSignals...)
	err := fn()
	// Stop waits until in-flight signals have been delivered to ch.
	d.stop(ch)

	select {
	case sig := <-ch:
		slog.Warn("re-delivering signal received during ledger save", "signal", sig.String())
		if rerr := d.raise(sig); rerr != nil {
			slog.Error("failed to re-deliver signal", "signal", sig.String(), "error", rerr)
		}
	default:
	}
	return err
}
