// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the project logger, a thin level-gated wrapper
// around a seelog backend.
package log

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *wrappedLogger

	// This buffer holds log lines sent to the logger before its
	// initialization, so that early diagnostics emitted while flags and
	// environment are still being resolved are not lost.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex

	// Frames between the exported functions and the seelog call.
	defaultStackDepth = 3
)

// wrappedLogger guards a seelog backend with a level gate.
type wrappedLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger installs l as the process logger at the given level and
// replays any log lines buffered before initialization.
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &wrappedLogger{inner: l}

	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// ChangeLogLevel changes the level gate of the installed logger.
func ChangeLogLevel(level string) error {
	if logger == nil || logger.inner == nil {
		return errors.New("cannot change log level: logger not initialized")
	}
	return logger.changeLogLevel(level)
}

// Flush flushes the underlying backend's buffered output.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (w *wrappedLogger) changeLogLevel(level string) error {
	w.l.Lock()
	defer w.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		return errors.New("bad log level")
	}
	w.level = lvl
	return nil
}

func (w *wrappedLogger) shouldLog(level seelog.LogLevel) bool {
	w.l.RLock()
	shouldLog := level >= w.level
	w.l.RUnlock()

	return shouldLog
}

func (w *wrappedLogger) trace(s string) {
	w.l.Lock()
	defer w.l.Unlock()
	w.inner.Trace(s)
}

func (w *wrappedLogger) debug(s string) {
	w.l.Lock()
	defer w.l.Unlock()
	w.inner.Debug(s)
}

func (w *wrappedLogger) info(s string) {
	w.l.Lock()
	defer w.l.Unlock()
	w.inner.Info(s)
}

func (w *wrappedLogger) warn(s string) error {
	w.l.Lock()
	defer w.l.Unlock()
	return w.inner.Warn(s)
}

func (w *wrappedLogger) error(s string) error {
	w.l.Lock()
	defer w.l.Unlock()
	return w.inner.Error(s)
}

func (w *wrappedLogger) critical(s string) error {
	w.l.Lock()
	defer w.l.Unlock()
	return w.inner.Critical(s)
}

func logMessage(level seelog.LogLevel, bufferFunc func(), logFunc func(string), format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logFunc(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

// logMessageWithError mirrors logMessage but also hands the formatted
// message back as an error, so call sites can both log and propagate.
func logMessageWithError(level seelog.LogLevel, bufferFunc func(), logFunc func(string) error, format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logFunc(msg) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	return errors.New(msg)
}

// Tracef logs with format at the trace level.
func Tracef(format string, params ...interface{}) {
	logMessage(seelog.TraceLvl, func() { Tracef(format, params...) }, logger.trace, format, params...)
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	logMessage(seelog.DebugLvl, func() { Debugf(format, params...) }, logger.debug, format, params...)
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	logMessage(seelog.InfoLvl, func() { Infof(format, params...) }, logger.info, format, params...)
}

// Warnf logs with format at the warn level and returns an error
// containing the formatted log message.
func Warnf(format string, params ...interface{}) error {
	return logMessageWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, logger.warn, format, params...)
}

// Errorf logs with format at the error level and returns an error
// containing the formatted log message.
func Errorf(format string, params ...interface{}) error {
	return logMessageWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, logger.error, format, params...)
}

// Criticalf logs with format at the critical level and returns an error
// containing the formatted log message.
func Criticalf(format string, params ...interface{}) error {
	return logMessageWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, logger.critical, format, params...)
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	logMessage(seelog.TraceLvl, func() { Trace(v...) }, logger.trace, "%s", fmt.Sprint(v...))
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	logMessage(seelog.DebugLvl, func() { Debug(v...) }, logger.debug, "%s", fmt.Sprint(v...))
}

// Info logs at the info level.
func Info(v ...interface{}) {
	logMessage(seelog.InfoLvl, func() { Info(v...) }, logger.info, "%s", fmt.Sprint(v...))
}

// Warn logs at the warn level and returns an error containing the
// formatted log message.
func Warn(v ...interface{}) error {
	return logMessageWithError(seelog.WarnLvl, func() { Warn(v...) }, logger.warn, "%s", fmt.Sprint(v...))
}

// Error logs at the error level and returns an error containing the
// formatted log message.
func Error(v ...interface{}) error {
	return logMessageWithError(seelog.ErrorLvl, func() { Error(v...) }, logger.error, "%s", fmt.Sprint(v...))
}

// Critical logs at the critical level and returns an error containing
// the formatted log message.
func Critical(v ...interface{}) error {
	return logMessageWithError(seelog.CriticalLvl, func() { Critical(v...) }, logger.critical, "%s", fmt.Sprint(v...))
}
