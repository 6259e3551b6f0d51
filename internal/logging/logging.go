// Package logging is the structured logging facade shared by every
// component of the signing core. It mirrors the sugared-logger facade
// pattern used throughout the teacher package: a package level Sugar
// accessor that components call directly (logging.Sugar().Debugf(...)),
// plus a Configure entry point a host process can call once at startup to
// redirect output.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu    sync.RWMutex
	sugar = zap.NewNop().Sugar()
)

// Configure replaces the process-wide logger. Safe to call concurrently
// with Sugar(), but intended to be called once, early, by the host.
func Configure(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		sugar = zap.NewNop().Sugar()
		return
	}
	sugar = l.Sugar()
}

// Sugar returns the current process-wide sugared logger.
func Sugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}
