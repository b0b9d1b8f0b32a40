// Package applog builds the dedicated, rotating logger handle each App
// owns (spec §3 "Dedicated logger handle"), gated by the app's
// configured logging level (spec §6 "logging.level").
//
// Grounded on RiDDiX-Healarr's internal/logger, which wires
// gopkg.in/natefinch/lumberjack.v2 from a
// logging.rotation.{period_days,max_size_mb}-shaped config; generalised
// here from one process-wide logger to one rotating file per app.
package applog

import (
	"bytes"
	"io"
	"log"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the ordered set of levels $g.log exposes to scripts
// (spec §3 "$g", "log").
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to Info for
// anything unrecognised.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config mirrors spec §6's per-app logging keys.
type Config struct {
	Level        string
	RotationDays int
	MaxSizeMB    int
}

var levelPrefixes = []struct {
	tag string
	lvl Level
}{
	{"[debug] ", LevelDebug},
	{"[info] ", LevelInfo},
	{"[warn] ", LevelWarn},
	{"[error] ", LevelError},
}

// levelFilter drops lines written by $g.log's Debugf/Infof/Warnf/Errorf
// (reqmiddleware.NewLogger tags each with a "[level] " prefix) when
// below the configured minimum. Lines with no recognised tag — the
// Lifecycle Manager's and Registry's own internal log.Printf calls —
// always pass through untouched.
type levelFilter struct {
	out io.Writer
	min Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	for _, pr := range levelPrefixes {
		if idx := bytes.Index(p, []byte(pr.tag)); idx >= 0 && idx < 40 {
			if pr.lvl < f.min {
				return len(p), nil
			}
			break
		}
	}
	return f.out.Write(p)
}

// rotator is the minimal interface *lumberjack.Logger satisfies; kept
// small so Close can recognise it without importing lumberjack types
// into every caller.
type rotator interface {
	io.WriteCloser
}

// New builds a rotating, level-gated *log.Logger for one app, writing to
// <logsRoot>/<appName>.log (spec §4.I "ensure logs/ ... exist").
func New(logsRoot, appName string, cfg Config) *log.Logger {
	lj := &lumberjack.Logger{
		Filename: filepath.Join(logsRoot, appName+".log"),
		MaxAge:   cfg.RotationDays,
		MaxSize:  maxOrDefault(cfg.MaxSizeMB),
		Compress: true,
	}
	w := &levelFilter{out: lj, min: ParseLevel(cfg.Level)}
	return log.New(w, "["+appName+"] ", log.LstdFlags)
}

func maxOrDefault(mb int) int {
	if mb <= 0 {
		return 50
	}
	return mb
}

// Close flushes and closes the underlying rotating file, if l was built
// by New (spec §4.H "Delete": "close the dedicated logger").
func Close(l *log.Logger) error {
	if l == nil {
		return nil
	}
	lf, ok := l.Writer().(*levelFilter)
	if !ok {
		return nil
	}
	if r, ok := lf.out.(rotator); ok {
		return r.Close()
	}
	return nil
}
