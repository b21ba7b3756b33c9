// Package log adds per-subsystem prefixes to a logs.Log
package log

import (
	"strings"

	"github.com/cyclopcam/logs"
)

// PrefixLogger writes to the underlying log, but all messages are prefixed with a string of your choice.
// Sub-loggers chain their prefixes, eg "Train: Load: ".
type PrefixLogger struct {
	Log    logs.Log
	Prefix string
}

// Create a new PrefixLogger
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return NewPrefixLoggerNoSpace(log, prefix+" ")
}

// Create a new PrefixLogger, but don't add a space onto 'prefix'
func NewPrefixLoggerNoSpace(log logs.Log, prefix string) *PrefixLogger {
	// Unwrap so that nested loggers only format once
	if parent, ok := log.(*PrefixLogger); ok {
		return &PrefixLogger{
			Log:    parent.Log,
			Prefix: parent.Prefix + escape(prefix),
		}
	}
	return &PrefixLogger{
		Log:    log,
		Prefix: escape(prefix),
	}
}

// Sub returns a logger whose prefix is appended to ours
func (l *PrefixLogger) Sub(prefix string) *PrefixLogger {
	return NewPrefixLogger(l, prefix)
}

// The prefix becomes part of a format string
func escape(prefix string) string {
	return strings.ReplaceAll(prefix, "%", "%%")
}

func (l *PrefixLogger) Close() {
	l.Log.Close()
}

func (l *PrefixLogger) Debugf(format string, a ...any) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...any) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...any) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...any) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...any) {
	l.Log.Criticalf(l.Prefix+format, a...)
}
