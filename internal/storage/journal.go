// Package storage 将拦截处理结果持久化到 sqlite
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdpwire/internal/logger"
	"cdpwire/pkg/model"
)

// Entry 一条拦截记录
type Entry struct {
	ID         string `gorm:"primaryKey;size:36"`
	Session    string `gorm:"index;size:64"`
	URL        string
	Method     string `gorm:"size:16"`
	Action     string `gorm:"index;size:16"`
	StatusCode int
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

// Journal 拦截记录表
type Journal struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开（必要时创建）sqlite 数据库并迁移表结构；prefix 为表名前缀
func Open(dsn, prefix string, l logger.Logger) (*Journal, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	l.Info("拦截记录库已打开", "dsn", dsn)
	return &Journal{db: db, log: l}, nil
}

// Record 写入一条处理结果
func (j *Journal) Record(ctx context.Context, ev model.InterceptEvent, elapsed time.Duration) error {
	created := time.Now()
	if ev.Timestamp > 0 {
		created = time.UnixMilli(ev.Timestamp)
	}
	e := &Entry{
		ID:         uuid.NewString(),
		Session:    string(ev.Session),
		URL:        ev.URL,
		Method:     ev.Method,
		Action:     string(ev.Action),
		StatusCode: ev.StatusCode,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  created,
	}
	return j.db.WithContext(ctx).Create(e).Error
}

// Query 查询条件，零值字段不参与过滤
type Query struct {
	Session string
	Action  model.RouteAction
	Limit   int
}

// Recent 按时间倒序返回记录
func (j *Journal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	tx := j.db.WithContext(ctx).Order("created_at DESC")
	if q.Session != "" {
		tx = tx.Where("session = ?", q.Session)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", string(q.Action))
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []Entry
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Count 各处理方式的记录数
func (j *Journal) Count(ctx context.Context) (map[model.RouteAction]int64, error) {
	var rows []struct {
		Action string
		N      int64
	}
	err := j.db.WithContext(ctx).Model(&Entry{}).Select("action, count(*) AS n").Group("action").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.RouteAction]int64, len(rows))
	for _, r := range rows {
		out[model.RouteAction(r.Action)] = r.N
	}
	return out, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
