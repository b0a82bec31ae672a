// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log provides leveled message streams for symphony components.
package log // import "github.com/symphony-das/symphony/log"

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Level regulates the verbosity of a message stream.
type Level int

const (
	LvlDebug   Level = -10 // LvlDebug defines the DBG verbosity level
	LvlInfo    Level = 0   // LvlInfo defines the INFO verbosity level
	LvlWarning Level = 10  // LvlWarning defines the WARN verbosity level
	LvlError   Level = 20  // LvlError defines the ERR verbosity level
)

func (lvl Level) tag() string {
	switch lvl {
	case LvlDebug:
		return "DBG "
	case LvlInfo:
		return "INFO"
	case LvlWarning:
		return "WARN"
	case LvlError:
		return "ERR "
	}
	panic(xerrors.Errorf("log: invalid log.Level value [%d]", int(lvl)))
}

// String prints the human-readable representation of a Level value.
func (lvl Level) String() string {
	switch lvl {
	case LvlDebug:
		return "DEBUG"
	case LvlInfo:
		return "INFO"
	case LvlWarning:
		return "WARN"
	case LvlError:
		return "ERROR"
	}
	panic(xerrors.Errorf("log: invalid log.Level value [%d]", int(lvl)))
}

// ParseLevel interprets a level name ("debug", "info", ...) or a raw
// integer string as a Level.
func ParseLevel(name string) (Level, error) {
	switch v := strings.ToLower(name); {
	case strings.HasPrefix(v, "dbg"), strings.HasPrefix(v, "debug"):
		return LvlDebug, nil
	case strings.HasPrefix(v, "info"):
		return LvlInfo, nil
	case strings.HasPrefix(v, "warn"):
		return LvlWarning, nil
	case strings.HasPrefix(v, "err"):
		return LvlError, nil
	}
	var lvl int
	_, err := fmt.Sscanf(name, "%d", &lvl)
	if err != nil {
		return 0, xerrors.Errorf("log: unknown level %q", name)
	}
	return Level(lvl), nil
}

// MsgStream provides access to verbosity-gated formatted messages, a la
// fmt.Printf.
type MsgStream interface {
	Debugf(format string, a ...interface{}) (int, error)
	Infof(format string, a ...interface{}) (int, error)
	Warnf(format string, a ...interface{}) (int, error)
	Errorf(format string, a ...interface{}) (int, error)

	Msg(lvl Level, format string, a ...interface{}) (int, error)
}

// WriteSyncer is an io.Writer which can be sync'ed/flushed.
type WriteSyncer interface {
	io.Writer
	Sync() error
}

type nopSync struct{ io.Writer }

func (nopSync) Sync() error { return nil }

// WithSync wraps a plain io.Writer with a no-op Sync.
func WithSync(w io.Writer) WriteSyncer { return nopSync{w} }

type msgStream struct {
	lvl    Level
	w      WriteSyncer
	prefix string
}

// NewMsgStream creates a MsgStream named name that prints messages of
// at least verbosity lvl to w. A nil w defaults to os.Stdout.
func NewMsgStream(name string, lvl Level, w WriteSyncer) MsgStream {
	if w == nil {
		w = WithSync(os.Stdout)
	}
	return &msgStream{
		lvl:    lvl,
		w:      w,
		prefix: fmt.Sprintf("%-20s ", name),
	}
}

func (msg *msgStream) Debugf(format string, a ...interface{}) (int, error) {
	return msg.Msg(LvlDebug, format, a...)
}

func (msg *msgStream) Infof(format string, a ...interface{}) (int, error) {
	return msg.Msg(LvlInfo, format, a...)
}

func (msg *msgStream) Warnf(format string, a ...interface{}) (int, error) {
	defer msg.w.Sync()
	return msg.Msg(LvlWarning, format, a...)
}

func (msg *msgStream) Errorf(format string, a ...interface{}) (int, error) {
	defer msg.w.Sync()
	return msg.Msg(LvlError, format, a...)
}

// Msg displays a formatted message with level lvl.
func (msg *msgStream) Msg(lvl Level, format string, a ...interface{}) (int, error) {
	if lvl < msg.lvl {
		return 0, nil
	}
	eol := ""
	if !strings.HasSuffix(format, "\n") {
		eol = "\n"
	}
	format = msg.prefix + lvl.tag() + " " + format + eol
	return fmt.Fprintf(msg.w, format, a...)
}

// Discard is a MsgStream that drops every message.
var Discard MsgStream = discard{}

type discard struct{}

func (discard) Debugf(format string, a ...interface{}) (int, error) { return 0, nil }
func (discard) Infof(format string, a ...interface{}) (int, error)  { return 0, nil }
func (discard) Warnf(format string, a ...interface{}) (int, error)  { return 0, nil }
func (discard) Errorf(format string, a ...interface{}) (int, error) { return 0, nil }
func (discard) Msg(Level, string, ...interface{}) (int, error)      { return 0, nil }
