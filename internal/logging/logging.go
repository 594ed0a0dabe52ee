// Package logging provides agenr's process-wide logger: a rotating file sink
// via lumberjack plus AGENR_DEBUG-gated debug lines written to the same sink
// (stderr until Init is given a directory), in the style of the bd binary's
// debug.Logf helper.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	logger  *log.Logger
	debugOn bool
	sink    io.Writer = os.Stderr
)

// Init opens (or rotates into) {dir}/agenr.log via lumberjack and routes all
// subsequent Infof/Debugf/Errorf calls there. Safe to call more than once.
func Init(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("logging: create log dir: %w", err)
		}
		sink = &lumberjack.Logger{
			Filename:   filepath.Join(dir, "agenr.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	logger = log.New(sink, "", log.LstdFlags|log.Lmicroseconds)
	debugOn = os.Getenv("AGENR_DEBUG") != ""
	return nil
}

func ensureLogger() *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return logger
}

// Infof logs an informational line.
func Infof(format string, args ...interface{}) {
	ensureLogger().Printf("INFO  "+format, args...)
}

// Errorf logs an error line.
func Errorf(format string, args ...interface{}) {
	ensureLogger().Printf("ERROR "+format, args...)
}

// Debugf logs only when AGENR_DEBUG is set in the environment.
func Debugf(format string, args ...interface{}) {
	mu.Lock()
	on := debugOn
	mu.Unlock()
	if !on {
		return
	}
	ensureLogger().Printf("DEBUG "+format, args...)
}
