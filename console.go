package swarmcore

import (
	alog "github.com/anacrolix/log"
)

// DefaultConsole backs the Console collaborator with anacrolix/log, the
// structured leveled logger the teacher codebase uses throughout.
type DefaultConsole struct {
	Logger alog.Logger
}

func NewDefaultConsole() DefaultConsole {
	return DefaultConsole{Logger: alog.Default}
}

func (c DefaultConsole) Warnf(format string, args ...interface{}) {
	c.Logger.Levelf(alog.Warning, format, args...)
}

func (c DefaultConsole) Infof(format string, args ...interface{}) {
	c.Logger.Levelf(alog.Info, format, args...)
}

func (c DefaultConsole) Debugf(format string, args ...interface{}) {
	c.Logger.Levelf(alog.Debug, format, args...)
}
