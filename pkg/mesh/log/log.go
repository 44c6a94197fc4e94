// Package log provides the mesh's filtered diagnostic emitter (spec
// §4.A). It mirrors the structure of go-mcast's definition.DefaultLogger
// (a thin wrapper callers can swap out) but adds the named-level bitmask
// the painlessMesh C++ library exposes as DEBUG_MASK, and backs emission
// with logrus instead of the bare standard log package.
package log

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level is one bit of the diagnostic mask.
type Level uint32

const (
	LevelError Level = 1 << iota
	LevelStartup
	LevelConnection
	LevelSync
	LevelCommunication
	LevelGeneral
	LevelMsgTypes
	LevelRemote
)

// LevelAll enables every named level. LevelError is never masked off:
// SetLevel always adds it to the mask.
const LevelAll = LevelError | LevelStartup | LevelConnection | LevelSync |
	LevelCommunication | LevelGeneral | LevelMsgTypes | LevelRemote

var names = map[Level]string{
	LevelError:         "ERROR",
	LevelStartup:       "STARTUP",
	LevelConnection:    "CONNECTION",
	LevelSync:          "SYNC",
	LevelCommunication: "COMM",
	LevelGeneral:       "GENERAL",
	LevelMsgTypes:      "MSGTYPES",
	LevelRemote:        "REMOTE",
}

// Logger is the interface the rest of the mesh depends on. A caller
// that wants a different backend only needs to satisfy this.
type Logger interface {
	SetLevel(mask Level)
	Emit(level Level, format string, args ...interface{})
}

// Default is a Logger backed by logrus, gated by a level bitmask.
type Default struct {
	entry *logrus.Entry
	mask  Level
}

// NewDefault builds a logger writing through the given logrus.Logger
// (or logrus.StandardLogger() if nil), with every level enabled.
func NewDefault(base *logrus.Logger) *Default {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Default{
		entry: logrus.NewEntry(base),
		mask:  LevelAll,
	}
}

func (d *Default) SetLevel(mask Level) {
	d.mask = mask | LevelError
}

// Emit writes the formatted message if level is enabled in the mask.
// A format/argument mismatch is caught and reported once through the
// error level rather than panicking the caller (spec §4.A).
func (d *Default) Emit(level Level, format string, args ...interface{}) {
	if d.mask&level == 0 {
		return
	}
	msg, ok := safeSprintf(d.entry, format, args...)
	if !ok {
		return
	}
	name := names[level]
	if name == "" {
		name = "UNKNOWN"
	}
	e := d.entry.WithField("mesh_level", name)
	if level == LevelError {
		e.Error(msg)
	} else {
		e.Debug(msg)
	}
}

func safeSprintf(entry *logrus.Entry, format string, args ...interface{}) (out string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("mesh_level", "ERROR").Errorf("malformed log format %q: %v", format, r)
			out, ok = "", false
		}
	}()
	out = fmt.Sprintf(format, args...)
	// fmt marks a verb/argument mismatch inline with "%!" instead of
	// failing, so that marker is treated as a malformed call too.
	if strings.Contains(out, "%!") && !strings.Contains(format, "%%!") {
		entry.WithField("mesh_level", "ERROR").Errorf("malformed log format %q", format)
		return "", false
	}
	return out, true
}
