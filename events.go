// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package mitm

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Level is the severity of a log event.
// Lower values are more severe.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{"error", "warn", "info", "debug"}

func (l Level) String() string {
	if l < LevelError || l > LevelDebug {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name ("error", "warn", "info" or "debug").
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return LevelWarn, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", s)
}

// LogSink receives log events.
type LogSink interface {
	Log(level Level, msg string)
}

type LogSinkFunc func(level Level, msg string)

func (f LogSinkFunc) Log(level Level, msg string) { f(level, msg) }

// ErrorSink receives every error funneled through the server.
type ErrorSink interface {
	HandleError(err error)
}

type ErrorSinkFunc func(err error)

func (f ErrorSinkFunc) HandleError(err error) { f(err) }

// UpgradeEvent describes a request asking to switch protocols (e.g. WebSocket).
// The subscriber owns Conn and must close it.
type UpgradeEvent struct {
	Request *http.Request
	Conn    net.Conn
	// Head holds the bytes the client has already sent after the request header.
	Head   []byte
	Secure bool

	rw *bufio.ReadWriter
}

// ReadWriter returns the buffered reader and writer of the hijacked connection.
func (e *UpgradeEvent) ReadWriter() *bufio.ReadWriter {
	return e.rw
}

// UpgradeHandler receives upgrade requests.
type UpgradeHandler interface {
	ServeUpgrade(ev *UpgradeEvent)
}

type UpgradeHandlerFunc func(ev *UpgradeEvent)

func (f UpgradeHandlerFunc) ServeUpgrade(ev *UpgradeEvent) { f(ev) }

// emitter fans out log, error and upgrade events to the subscribers registered at construction time.
// It is never mutated after the server is built.
type emitter struct {
	levelSinks map[Level][]LogSink
	allSinks   []LogSink
	errorSinks []ErrorSink
	upgrades   []UpgradeHandler
}

func newEmitter() *emitter {
	return &emitter{levelSinks: make(map[Level][]LogSink)}
}

// log announces msg to the sinks of level and of every less specific level, then to the catch-all sinks.
func (e *emitter) log(level Level, msg string) {
	if e == nil {
		return
	}
	for l := level; l <= LevelDebug; l++ {
		for _, sink := range e.levelSinks[l] {
			isolate(func() { sink.Log(level, msg) })
		}
	}
	for _, sink := range e.allSinks {
		isolate(func() { sink.Log(level, msg) })
	}
}

func (e *emitter) logf(level Level, format string, args ...any) {
	if e == nil || !e.enabled(level) {
		return
	}
	e.log(level, fmt.Sprintf(format, args...))
}

func (e *emitter) enabled(level Level) bool {
	if len(e.allSinks) > 0 {
		return true
	}
	for l := level; l <= LevelDebug; l++ {
		if len(e.levelSinks[l]) > 0 {
			return true
		}
	}
	return false
}

// error logs err and re-raises it to the error sinks.
func (e *emitter) error(err error) {
	if e == nil || err == nil {
		return
	}
	e.log(LevelError, err.Error())
	for _, sink := range e.errorSinks {
		isolate(func() { sink.HandleError(err) })
	}
}

func (e *emitter) hasUpgradeHandlers() bool {
	return e != nil && len(e.upgrades) > 0
}

func (e *emitter) upgrade(ev *UpgradeEvent) {
	for _, h := range e.upgrades {
		isolate(func() { h.ServeUpgrade(ev) })
	}
}

// isolate runs f and swallows its panic so that one subscriber cannot starve the others.
func isolate(f func()) {
	defer func() { _ = recover() }()
	f()
}

// logWriter adapts the event stream to io.Writer for http.Server.ErrorLog.
type logWriter struct {
	events *emitter
	level  Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.events.log(w.level, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
