package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Logger is a leveled logger bound to one of the mesh's named components
// (bridge, overlay, lobby, ...). Every message it prints is tagged with
// that component, so call sites stop hand-prefixing their own format
// strings with "bridge: ", "overlay: ", and so on.
type Logger struct {
	component string
}

// NewLogger returns a Logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) tag(format string) string {
	return "[" + l.component + "] " + format
}

func (l *Logger) Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(l.tag(format), args...))
}

func (l *Logger) Info(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(l.tag(format), args...))
}

func (l *Logger) Success(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(l.tag(format), args...))
}

func (l *Logger) Warning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(l.tag(format), args...))
}

func (l *Logger) Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(l.tag(format), args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
