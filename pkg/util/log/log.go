// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log exposes the process-wide logger. It is a thin wrapper around
// seelog so the rest of the agent never imports seelog directly and the log
// level can be changed at runtime.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *agentLogger

	// Lines logged before SetupLogger runs are buffered and flushed once the
	// logger exists. The buffer should be very short lived: setting up the
	// logger is one of the first things the agent does.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
)

const defaultStackDepth = 2

// agentLogger wraps a seelog logger with a runtime-changeable level.
type agentLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	mu    sync.RWMutex
}

const seelogConfigTemplate = `<seelog minlevel="%[1]s">
    <outputs formatid="common"><console/></outputs>
    <formats>
        <format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %[2]s | %%LEVEL | (%%ShortFilePath:%%Line in %%FuncShort) | %%Msg%%n"/>
    </formats>
</seelog>`

// SetupLogger configures the package-level logger for the given level
// ("trace", "debug", "info", "warn", "error", "critical"). Unknown levels
// fall back to info.
func SetupLogger(level, loggerName string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	inner, err := seelog.LoggerFromConfigAsString(fmt.Sprintf(seelogConfigTemplate, lvl.String(), loggerName))
	if err != nil {
		return err
	}
	inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	logger = &agentLogger{inner: inner, level: lvl}

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, line := range logsBuffer {
		line()
	}
	logsBuffer = nil
	return nil
}

// ChangeLogLevel updates the level of the running logger.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("logger not initialized")
	}
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.mu.Lock()
	logger.level = lvl
	logger.mu.Unlock()
	return nil
}

// GetLogLevel returns the current level as a string.
func GetLogLevel() string {
	if logger == nil {
		return seelog.InfoStr
	}
	logger.mu.RLock()
	defer logger.mu.RUnlock()
	return logger.level.String()
}

// Flush flushes any buffered log output.
func Flush() {
	if logger != nil {
		logger.inner.Flush()
	}
}

func (l *agentLogger) shouldLog(level seelog.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func addLogToBuffer(line func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	if bufferLogsBeforeInit {
		logsBuffer = append(logsBuffer, line)
		return
	}
	line()
}

func logWith(level seelog.LogLevel, format string, params []interface{}) error {
	if logger == nil {
		addLogToBuffer(func() { logWith(level, format, params) }) //nolint:errcheck
		return nil
	}
	if !logger.shouldLog(level) {
		return nil
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	msg := fmt.Sprintf(format, params...)
	switch level {
	case seelog.TraceLvl:
		logger.inner.Trace(msg)
	case seelog.DebugLvl:
		logger.inner.Debug(msg)
	case seelog.InfoLvl:
		logger.inner.Info(msg)
	case seelog.WarnLvl:
		return logger.inner.Warn(msg)
	case seelog.ErrorLvl:
		return logger.inner.Error(msg)
	case seelog.CriticalLvl:
		return logger.inner.Critical(msg)
	}
	return nil
}

// Tracef logs with format at the trace level.
func Tracef(format string, params ...interface{}) {
	logWith(seelog.TraceLvl, format, params) //nolint:errcheck
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	logWith(seelog.DebugLvl, format, params) //nolint:errcheck
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	logWith(seelog.InfoLvl, format, params) //nolint:errcheck
}

// Warnf logs with format at the warn level and returns the message as an error.
func Warnf(format string, params ...interface{}) error {
	logWith(seelog.WarnLvl, format, params) //nolint:errcheck
	return fmt.Errorf(format, params...)
}

// Errorf logs with format at the error level and returns the message as an error.
func Errorf(format string, params ...interface{}) error {
	logWith(seelog.ErrorLvl, format, params) //nolint:errcheck
	return fmt.Errorf(format, params...)
}

// Criticalf logs with format at the critical level and returns the message as an error.
func Criticalf(format string, params ...interface{}) error {
	logWith(seelog.CriticalLvl, format, params) //nolint:errcheck
	return fmt.Errorf(format, params...)
}

// Trace logs at the trace level.
func Trace(v ...interface{}) { Tracef("%s", fmt.Sprint(v...)) }

// Debug logs at the debug level.
func Debug(v ...interface{}) { Debugf("%s", fmt.Sprint(v...)) }

// Info logs at the info level.
func Info(v ...interface{}) { Infof("%s", fmt.Sprint(v...)) }

// Warn logs at the warn level and returns the message as an error.
func Warn(v ...interface{}) error { return Warnf("%s", fmt.Sprint(v...)) }

// Error logs at the error level and returns the message as an error.
func Error(v ...interface{}) error { return Errorf("%s", fmt.Sprint(v...)) }
