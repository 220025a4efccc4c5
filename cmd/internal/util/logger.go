//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package util holds the process-wide logger shared by the evidence binaries.
package util

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	logger *zerolog.Logger
}

var instance *Logger

func SetLoggerInstance(l *zerolog.Logger) {
	instance = &Logger{l}
}

func Log() *Logger {
	if instance == nil {
		instance = _defaultLogger()
		instance.Warnf("default logger in use. SetLoggerInstance() should be called first")
	}
	return instance
}

func _defaultLogger() *Logger {
	zeroLogLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Timestamp().Logger()

	return &Logger{&zeroLogLogger}
}

// With returns a logger that adds the given key/value pair to every message.
func (l *Logger) With(key, value string) *Logger {
	child := l.logger.With().Str(key, value).Logger()
	return &Logger{&child}
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Msgf(format, v...)
}
