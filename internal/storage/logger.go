package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"cdpwire/internal/logger"
)

// slowQuery 超过该耗时的 SQL 按警告输出
const slowQuery = 200 * time.Millisecond

// GormLogger 把 gorm 日志转发到项目 logger
type GormLogger struct {
	log   logger.Logger
	level glogger.LogLevel
}

func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{log: l, level: glogger.Warn}
}

func (g *GormLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(_ context.Context, msg string, data ...any) {
	if g.level >= glogger.Info {
		g.log.Info(msg, "data", data)
	}
}

func (g *GormLogger) Warn(_ context.Context, msg string, data ...any) {
	if g.level >= glogger.Warn {
		g.log.Warn(msg, "data", data)
	}
}

func (g *GormLogger) Error(_ context.Context, msg string, data ...any) {
	if g.level >= glogger.Error {
		g.log.Error(msg, "data", data)
	}
}

// Trace 输出每条 SQL；记录不存在不算错误
func (g *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= glogger.Error:
		sql, rows := fc()
		g.log.Err(err, "SQL执行错误", "sql", sql, "rows", rows, "elapsed", elapsed)
	case elapsed > slowQuery && g.level >= glogger.Warn:
		sql, rows := fc()
		g.log.Warn("慢SQL查询", "sql", sql, "rows", rows, "elapsed", elapsed)
	case g.level >= glogger.Info:
		sql, rows := fc()
		g.log.Debug("SQL执行", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
