package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLogger routes GORM output into a module logger. Statements are logged
// at trace level; failed and slow statements at warn.
type gormLogger struct {
	log    Logger
	slow   time.Duration
	silent bool
}

// NewGormLogger returns a GORM logger writing to l. Statements slower than
// slow are reported as warnings; zero disables slow statement reporting.
func NewGormLogger(l Logger, slow time.Duration) gormlogger.Interface {
	if l == nil {
		l = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	return &gormLogger{log: l, slow: slow}
}

// LogMode only honors Silent; levels come from the module configuration.
func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *g
	clone.silent = level == gormlogger.Silent
	return &clone
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if !g.silent {
		g.log.Debug(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if !g.silent {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if !g.silent {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.silent {
		return
	}
	elapsed := time.Since(begin)
	stmt, rows := fc()
	fields := []Field{
		String("sql", stmt),
		Int64("rows", rows),
		Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.log.Warn("statement failed", append(fields, Error(err))...)
	case g.slow > 0 && elapsed > g.slow:
		g.log.Warn("slow statement", fields...)
	default:
		g.log.Trace("statement", fields...)
	}
}
