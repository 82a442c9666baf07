// Package logging constructs the logr.Logger used throughout the control
// plane, following the same zap-via-controller-runtime construction the
// teacher uses in availability-prober/main.go and contrib/oadp-recovery.
package logging

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New builds the root logger and installs it as controller-runtime's
// default logger so any vendored client-go/controller-runtime machinery we
// invoke logs consistently with the rest of the process.
func New(devMode bool, verbosity int) logr.Logger {
	logger := zap.New(zap.UseDevMode(devMode), zap.JSONEncoder(), func(o *zap.Options) {
		o.TimeEncoder = zapcore.RFC3339TimeEncoder
		o.Level = zapcore.Level(-1 * verbosity)
	})
	ctrl.SetLogger(logger)
	return logger
}
