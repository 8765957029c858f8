package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points entry.Caller at the first frame outside logrus and this
// package, since every call passes through the Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !wrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func wrapperFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.HasPrefix(fn, "optionlevels/logger.")
}

// staticFieldsHook stamps configured fields on every entry that does not
// already carry them.
type staticFieldsHook struct {
	fields Fields
}

// NewStaticFieldsHook returns a hook adding fields to every entry.
func NewStaticFieldsHook(fields map[string]interface{}) logrus.Hook {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &staticFieldsHook{fields: copied}
}

func (h *staticFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *staticFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
