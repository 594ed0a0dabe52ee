// Package lifecycle implements process-wide shutdown and wake-signal
// handling: idempotent signal handler installation, LIFO shutdown hooks,
// and a second-signal force-exit.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/agenr-dev/agenr/internal/logging"
)

var (
	mu                 sync.Mutex
	installed          bool
	shutdownRequested  bool
	signalReceived     os.Signal
	signalCount        int
	shutdownHandlers   []func() error
	wakeCallback       func()
	sigCh              chan os.Signal
	exitFunc           = os.Exit
)

// InstallSignalHandlers registers handlers for SIGINT and SIGTERM. Calling
// it more than once is a no-op.
func InstallSignalHandlers() {
	mu.Lock()
	defer mu.Unlock()
	if installed {
		return
	}
	installed = true

	sigCh = make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go watch()
}

func watch() {
	for sig := range sigCh {
		handleSignal(sig)
	}
}

func handleSignal(sig os.Signal) {
	mu.Lock()
	signalCount++
	count := signalCount
	if count == 1 {
		shutdownRequested = true
		signalReceived = sig
		cb := wakeCallback
		mu.Unlock()

		logging.Infof("received %s, shutting down gracefully", sig)
		if cb != nil {
			cb()
		}
		return
	}
	mu.Unlock()

	logging.Errorf("received %s again, forcing exit", sig)
	exitFunc(1)
}

// ShutdownRequested reports whether a first termination signal has arrived.
func ShutdownRequested() bool {
	mu.Lock()
	defer mu.Unlock()
	return shutdownRequested
}

// OnShutdown registers a handler to run during RunShutdownHandlers.
func OnShutdown(handler func() error) {
	mu.Lock()
	defer mu.Unlock()
	shutdownHandlers = append(shutdownHandlers, handler)
}

// RunShutdownHandlers invokes registered handlers in LIFO order, logging
// and swallowing any per-handler error so the rest still run.
func RunShutdownHandlers() {
	mu.Lock()
	handlers := make([]func() error, len(shutdownHandlers))
	copy(handlers, shutdownHandlers)
	mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		if err := handlers[i](); err != nil {
			logging.Errorf("shutdown handler failed: %v", err)
		}
	}
}

// OnWake sets (or, with nil, clears) the callback invoked on the first
// termination signal.
func OnWake(cb func()) {
	mu.Lock()
	defer mu.Unlock()
	wakeCallback = cb
}

// ResetForTests restores package state to its zero value. Intended for
// test suites that exercise signal handling repeatedly in one process.
func ResetForTests() {
	mu.Lock()
	defer mu.Unlock()
	if sigCh != nil {
		signal.Stop(sigCh)
		close(sigCh)
	}
	installed = false
	shutdownRequested = false
	signalReceived = nil
	signalCount = 0
	shutdownHandlers = nil
	wakeCallback = nil
	sigCh = nil
	exitFunc = os.Exit
}
