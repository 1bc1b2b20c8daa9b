// Copyright (C) 2025  socksguard authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package log provides the process wide logger.
// It is a thin layer on top of logrus with formatters suitable for
// a network daemon, plus a callback hook so an embedding management
// surface can collect log messages.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is the set of structured key value pairs attached to a log entry.
type Fields = logrus.Fields

// Level is the log severity level.
type Level = logrus.Level

const (
	FatalLevel Level = logrus.FatalLevel
	ErrorLevel Level = logrus.ErrorLevel
	WarnLevel  Level = logrus.WarnLevel
	InfoLevel  Level = logrus.InfoLevel
	DebugLevel Level = logrus.DebugLevel
	TraceLevel Level = logrus.TraceLevel
)

// LogMessage is a single log message passed to the callback function.
type LogMessage struct {
	Level   string
	Message string
	Fields  Fields
}

// Callback collects log messages produced by this process.
type Callback func(LogMessage)

var std = logrus.New()

var (
	callbackMutex sync.RWMutex
	callback      Callback
)

func init() {
	std.SetOutput(os.Stdout)
	std.SetFormatter(&DaemonFormatter{})
	std.AddHook(callbackHook{})
}

// SetOutput redirects all log output to the given writer.
func SetOutput(out io.Writer) {
	std.SetOutput(out)
}

// SetFormatter replaces the log formatter.
func SetFormatter(formatter logrus.Formatter) {
	std.SetFormatter(formatter)
}

// GetLevel returns the current log level.
func GetLevel() Level {
	return std.GetLevel()
}

// SetLevel sets the log level from a string. It returns true if successful.
func SetLevel(level string) (ok bool) {
	l, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return false
	}
	std.SetLevel(l)
	return true
}

// IsLevelEnabled checks if the given log level will be printed.
func IsLevelEnabled(level Level) bool {
	return std.IsLevelEnabled(level)
}

// SetCallback registers a callback function that is invoked when a log
// message is produced. Set the callback to nil to clear it.
func SetCallback(cb Callback) {
	callbackMutex.Lock()
	defer callbackMutex.Unlock()
	callback = cb
}

func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

func Tracef(format string, args ...any) {
	std.Tracef(format, args...)
}

func Debugf(format string, args ...any) {
	std.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	std.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	std.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	std.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	std.Fatalf(format, args...)
}

// callbackHook forwards every log entry to the registered callback.
type callbackHook struct{}

var _ logrus.Hook = callbackHook{}

func (h callbackHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h callbackHook) Fire(entry *logrus.Entry) error {
	callbackMutex.RLock()
	cb := callback
	callbackMutex.RUnlock()
	if cb == nil {
		return nil
	}
	fields := make(Fields, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	cb(LogMessage{
		Level:   strings.ToUpper(entry.Level.String()),
		Message: entry.Message,
		Fields:  fields,
	})
	return nil
}
