// This package defines the logging functions (e.g. Info, Errorf, etc.).

package mmlog

import (
	"os"

	"go.minimaps.dev/infra/go/mmlog/mmlogimpl"
	"go.minimaps.dev/infra/go/mmlog/stdlogging"
)

// WE MUST CALL SetLogger in an init function; otherwise there's a very good
// chance of getting a nil pointer panic.
func init() {
	mmlogimpl.SetLogger(stdlogging.New(os.Stderr))
}

// Functions to log at various levels.
// Debug, Info, Warning, Error, and Fatal use fmt.Sprint to format the
// arguments.
// Functions ending in f use fmt.Sprintf to format the arguments.
// Functions ending in WithDepth allow the caller to change where the stacktrace
// starts. 0 (the default in all other calls) means to report starting at the
// caller. 1 would mean one level above, the caller's caller.  2 would be a
// level above that and so on.
func Debug(msg ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Debug, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Debug, format, v...)
}

func DebugfWithDepth(depth int, format string, v ...interface{}) {
	mmlogimpl.Log(1+depth, mmlogimpl.Debug, format, v...)
}

func Info(msg ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Info, "", msg...)
}

func Infof(format string, v ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Info, format, v...)
}

func InfofWithDepth(depth int, format string, v ...interface{}) {
	mmlogimpl.Log(1+depth, mmlogimpl.Info, format, v...)
}

func Warning(msg ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Warning, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Warning, format, v...)
}

func WarningfWithDepth(depth int, format string, v ...interface{}) {
	mmlogimpl.Log(1+depth, mmlogimpl.Warning, format, v...)
}

func Error(msg ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Error, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Error, format, v...)
}

func ErrorfWithDepth(depth int, format string, v ...interface{}) {
	mmlogimpl.Log(1+depth, mmlogimpl.Error, format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Fatal, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	mmlogimpl.Log(1, mmlogimpl.Fatal, format, v...)
}

func FatalfWithDepth(depth int, format string, v ...interface{}) {
	mmlogimpl.Log(1+depth, mmlogimpl.Fatal, format, v...)
}

func Flush() {
	mmlogimpl.Flush()
}
