package dcrlauncher

import (
	"github.com/decred/dcrlauncher/build"
	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/chainreg"
	"github.com/decred/dcrlauncher/events"
	"github.com/decred/dcrlauncher/instance"
	"github.com/decred/dcrlauncher/launcher"
	"github.com/decred/dcrlauncher/monitoring"
	"github.com/decred/dcrlauncher/resolver"
	"github.com/decred/dcrlauncher/shutdown"
	"github.com/decred/dcrlauncher/signal"
	"github.com/decred/dcrlauncher/syncmon"
	"github.com/decred/dcrlauncher/versioncheck"
	"github.com/decred/slog"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	slog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// pkgLoggers is a list of all root package level loggers that are
	// registered. They are tracked here so they can be replaced once the
	// SetupLoggers function is called with the final root logger.
	pkgLoggers []*replaceableLogger

	// addPkgLogger is a helper function that creates a new replaceable
	// root package level logger and adds it to the list of loggers that
	// are replaced again later, once the final root logger is ready.
	addPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		pkgLoggers = append(pkgLoggers, l)
		return l
	}

	// dcrlLog is the logger of the application context. It is shared with
	// the signal package.
	dcrlLog = addPkgLogger("DCRL")
)

// genSubLogger creates a logger for a subsystem bound to the root writer.
func genSubLogger(root *build.RotatingLogWriter) func(string) slog.Logger {
	return func(tag string) slog.Logger {
		return root.GenSubLogger(tag)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter) {
	genLogger := genSubLogger(root)

	// Now that we have the proper root logger, we can replace the
	// placeholder package loggers.
	for _, l := range pkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	signal.UseLogger(dcrlLog)

	AddSubLogger(root, chainreg.Subsystem, chainreg.UseLogger)
	AddSubLogger(root, cfgstore.Subsystem, cfgstore.UseLogger)
	AddSubLogger(root, resolver.Subsystem, resolver.UseLogger)
	AddSubLogger(root, launcher.Subsystem, launcher.UseLogger)
	AddSubLogger(root, instance.Subsystem, instance.UseLogger)
	AddSubLogger(root, syncmon.Subsystem, syncmon.UseLogger)
	AddSubLogger(root, shutdown.Subsystem, shutdown.UseLogger)
	AddSubLogger(root, events.Subsystem, events.UseLogger)
	AddSubLogger(root, versioncheck.Subsystem, versioncheck.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(slog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genSubLogger(root))
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a sub
// system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger slog.Logger, useLoggers ...func(slog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
