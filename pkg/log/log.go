// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// ErrInvalidLevel unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses "error", "warning", "info" or "debug".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	}
	return fmt.Sprintf("LEVEL%d", uint8(l))
}

// UnixMicro microseconds since the Unix epoch.
type UnixMicro uint64

// Event defines log event.
type Event struct {
	level Level
	time  UnixMicro
	src   string // Source component.
	file  string // Input or output file.

	logger *Logger
}

// Log defines log entry.
type Log struct {
	Level Level     `json:"level"`
	Time  UnixMicro `json:"time"`
	Msg   string    `json:"msg"`
	Src   string    `json:"src"`
	File  string    `json:"file,omitempty"`
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// File sets the file the event relates to.
func (e *Event) File(name string) *Event {
	e.file = name
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	e.logger.feed <- Log{
		Time:  e.time,
		Level: e.level,
		Msg:   msg,
		Src:   e.src,
		File:  e.file,
	}
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Func is the logging capability handed to demuxers and muxers.
type Func func(level Level, format string, a ...interface{})

// Discard Func that drops every message.
func Discard(Level, string, ...interface{}) {}

type logFeed chan Log

// Logger logs.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.
}

// NewLogger returns logger, Start must be called before logging.
func NewLogger() *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
	}
}

// Start fans out logs to subscribers until the context is canceled.
func (l *Logger) Start(ctx context.Context) {
	subs := map[logFeed]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return

		case ch := <-l.sub:
			subs[ch] = struct{}{}

		case ch := <-l.unsub:
			close(ch)
			delete(subs, ch)

		case msg := <-l.feed:
			for ch := range subs {
				ch <- msg
			}
		}
	}
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed, nil)
	}
	return feed, cancel
}

// unSubscribe passes logs still in flight to handle until the request is accepted.
func (l *Logger) unSubscribe(feed logFeed, handle func(Log)) {
	for {
		select {
		case l.unsub <- feed:
			return
		case log := <-feed:
			if handle != nil {
				handle(log)
			}
		}
	}
}

// Func returns a Func that logs on behalf of src and file.
func (l *Logger) Func(src, file string) Func {
	return func(level Level, format string, a ...interface{}) {
		e := l.level(level).Src(src)
		if file != "" {
			e.File(file)
		}
		e.Msgf(format, a...)
	}
}

// LogToWriter subscribes and prints logs at or below maxLevel until the
// context is canceled. Logs already accepted by the logger are printed
// before the returned channel is closed.
func (l *Logger) LogToWriter(ctx context.Context, w io.Writer, maxLevel Level) <-chan struct{} {
	feed := make(logFeed)
	l.sub <- feed

	printLog := func(log Log) {
		if log.Level <= maxLevel {
			fmt.Fprintln(w, FormatLog(log))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case log := <-feed:
				printLog(log)
			case <-ctx.Done():
				l.unSubscribe(feed, printLog)
				return
			}
		}
	}()
	return done
}

// FormatLog formats log as "[LEVEL] file: Src: msg".
func FormatLog(log Log) string {
	var b strings.Builder
	b.WriteString("[" + log.Level.String() + "] ")
	if log.File != "" {
		b.WriteString(log.File + ": ")
	}
	if log.Src != "" {
		b.WriteString(strings.ToUpper(log.Src[:1]) + log.Src[1:] + ": ")
	}
	b.WriteString(log.Msg)
	return b.String()
}

func (l *Logger) level(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.level(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.level(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.level(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.level(LevelDebug)
}
