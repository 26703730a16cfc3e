package monitoring

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logf is the package-level diagnostic logger. It defaults to logrus at info
// level but may be replaced by SetLogger. Tests or production code can
// redirect or mute it.
var Logf func(format string, v ...interface{}) = logrus.Infof

// Debugf is used for chatty per-window diagnostics. It follows the logrus
// level so it stays silent unless --log-level=debug is given.
var Debugf func(format string, v ...interface{}) = logrus.Debugf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		Debugf = func(string, ...interface{}) {}
		return
	}
	Logf = f
	Debugf = f
}

// SetLevel parses a logrus level name (trace, debug, info, warn, error) and
// applies it to the standard logrus logger.
func SetLevel(name string) error {
	level, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	logrus.SetLevel(level)
	return nil
}

// Warnf logs at warning level regardless of any replacement installed via
// SetLogger. It is used for degraded-mode notices such as a missing power
// supply.
func Warnf(format string, v ...interface{}) {
	logrus.Warnf(format, v...)
}
