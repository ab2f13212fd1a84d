// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package notify

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/logging"
)

// watermillLogger bridges watermill's LoggerAdapter onto the global
// zerolog logger so bus internals log in the same format as everything
// else.
type watermillLogger struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	lg := logging.Logger()
	l.emit(lg.Error().Err(err), msg, fields)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	lg := logging.Logger()
	l.emit(lg.Info(), msg, fields)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	lg := logging.Logger()
	l.emit(lg.Debug(), msg, fields)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	lg := logging.Logger()
	l.emit(lg.Trace(), msg, fields)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.fields.Add(fields)}
}

func (l *watermillLogger) emit(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
