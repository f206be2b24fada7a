// Package logging собирает zerolog.Logger: stdout, произвольный writer или
// файл с ротацией.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Build struct {
	writer     io.Writer
	path       string
	level      string
	maxSizeMB  int
	maxBackups int
	console    bool
}

// Log: готовый логгер и то, что нужно закрыть при остановке.
type Log struct {
	Logger zerolog.Logger
	closer io.Closer
}

func New() *Build {
	return &Build{level: "info", maxSizeMB: 50, maxBackups: 3}
}

func (b *Build) FromPath(path string) *Build {
	b.path = path
	return b
}

func (b *Build) FromBuffer(w io.Writer) *Build {
	b.writer = w
	return b
}

func (b *Build) Level(level string) *Build {
	b.level = level
	return b
}

// Rotate: параметры ротации файла (МБ, число архивов).
func (b *Build) Rotate(maxSizeMB, maxBackups int) *Build {
	if maxSizeMB > 0 {
		b.maxSizeMB = maxSizeMB
	}
	if maxBackups >= 0 {
		b.maxBackups = maxBackups
	}
	return b
}

// Console: человекочитаемый вывод вместо JSON (для CLI).
func (b *Build) Console(on bool) *Build {
	b.console = on
	return b
}

func (b *Build) Make() (*Log, error) {
	lvl, err := ParseLevel(b.level)
	if err != nil {
		return nil, err
	}
	out := &Log{}
	var w io.Writer = os.Stdout
	if b.writer != nil {
		w = b.writer
	}
	if b.path != "" {
		lj := &lumberjack.Logger{
			Filename:   b.path,
			MaxSize:    b.maxSizeMB,
			MaxBackups: b.maxBackups,
		}
		out.closer = lj
		w = zerolog.SyncWriter(lj)
	}
	if b.console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	out.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return out, nil
}

func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel: пустая строка значит info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(s)
}
