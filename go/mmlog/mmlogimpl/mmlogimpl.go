// Package mmlogimpl defines the Logger interface that all logging backends
// must implement, along with the package level function used to install one.
package mmlogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	}
	return "Unknown"
}

// Logger is implemented by logging backends.
type Logger interface {
	// Log at the given severity. If format is the empty string the args are
	// formatted with fmt.Sprint, otherwise with fmt.Sprintf. depth is the
	// number of stack frames between Log and the original call site.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value // of Logger

// SetLogger installs the backend all mmlog functions write to.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log forwards to the installed Logger. It is only called from mmlog.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush forwards to the installed Logger.
func Flush() {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Flush()
}
