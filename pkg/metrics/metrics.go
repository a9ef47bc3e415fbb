package metrics

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// SlowThreshold marks operations worth a warning.
const SlowThreshold = 30 * time.Second

// LogStartupBanner logs build and host information at debug level.
func LogStartupBanner(logger *logrus.Entry, version string) {
	logger.WithFields(logrus.Fields{
		"version": version,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"cpus":    runtime.NumCPU(),
	}).Debug("nanopod starting")
}

// Timer measures the duration of one named operation.
type Timer struct {
	name   string
	start  time.Time
	logger *logrus.Entry
}

// NewTimer starts a timer for operation.
func NewTimer(logger *logrus.Entry, operation string) *Timer {
	logger.WithField("operation", operation).Debug("Starting operation")
	return &Timer{
		name:   operation,
		start:  time.Now(),
		logger: logger,
	}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	entry := t.logger.WithFields(logrus.Fields{
		"operation": t.name,
		"duration":  duration.String(),
	})
	if duration > SlowThreshold {
		entry.Warn("Operation took longer than expected")
	} else {
		entry.Debug("Operation completed")
	}

	return duration
}
