// Package logrus adapts a logrus entry to kvlayer.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/kvlayer"
)

var _ kvlayer.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every entry of l with component.
func New(l *logrus.Logger, component string) Logger {
	return Logger{E: l.WithField("component", component)}
}

func (l Logger) Debug(msg string, f kvlayer.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f kvlayer.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f kvlayer.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f kvlayer.Fields) { l.with(f).Error(msg) }

// with maps an "err" field of type error onto logrus' error key.
func (l Logger) with(f kvlayer.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	fields := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			fields[logrus.ErrorKey] = err
			continue
		}
		fields[k] = v
	}
	return l.E.WithFields(fields)
}
