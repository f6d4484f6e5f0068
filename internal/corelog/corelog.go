// Package corelog provides the logging seam used by every component. It
// wraps go.uber.org/zap rather than hand-rolling a logger, matching the
// logging library already present in the nodestorage-style change-stream
// pumps this module's coherency layer is grounded on.
package corelog

import "go.uber.org/zap"

// Nop returns a logger that discards everything, used as the default when a
// caller does not supply one.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// New builds a production or development zap.Logger depending on dev.
// Construction failures fall back to a Nop logger rather than panicking,
// since logging must never be the reason a component fails to start.
func New(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return Nop()
	}
	return logger
}

// OrNop returns logger unchanged if non-nil, otherwise a Nop logger. Every
// component constructor calls this on its logger argument so callers may
// pass nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
