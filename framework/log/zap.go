package log

import (
	"go.uber.org/zap/zapcore"
)

// zapCore feeds zap-originated events into the same Output pipeline as
// native ones: a zapcore entry is translated into a log.Entry and emitted
// through the wrapped Logger, so bound fields, naming and rendering stay
// uniform no matter which API produced the event.
type zapCore struct {
	l Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	return c.l.Debug || level > zapcore.DebugLevel
}

func (c zapCore) With(fields []zapcore.Field) zapcore.Core {
	l := c.l
	merged := make(map[string]interface{}, len(l.Fields)+len(fields))
	for k, v := range l.Fields {
		merged[k] = v
	}
	for k, v := range zapFields(fields) {
		merged[k] = v
	}
	l.Fields = merged
	return zapCore{l: l}
}

func (c zapCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	l := c.l
	if entry.LoggerName != "" {
		if l.Name != "" {
			l.Name += "/"
		}
		l.Name += entry.LoggerName
	}
	l.emit(entry.Level == zapcore.DebugLevel, entry.Message, zapFields(fields))
	return nil
}

func (zapCore) Sync() error {
	return nil
}

func zapFields(fields []zapcore.Field) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}
