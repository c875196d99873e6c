package storage

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpwire/internal/logger"
	"cdpwire/pkg/model"
)

func openMem(t *testing.T) *Journal {
	t.Helper()
	// 每个测试独立的共享内存库，连接池内的连接看到同一份数据
	j, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), "test_", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRecordAndQuery(t *testing.T) {
	j := openMem(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	events := []model.InterceptEvent{
		{Session: "S1", URL: "https://a.test/1.png", Method: "GET", Action: model.RouteActionAbort},
		{Session: "S1", URL: "https://a.test/api", Method: "POST", Action: model.RouteActionFulfill, StatusCode: 201},
		{Session: "S2", URL: "https://b.test/", Method: "GET", Action: model.RouteActionContinue},
	}
	for n, ev := range events {
		ev.Timestamp = base.Add(time.Duration(n) * time.Second).UnixMilli()
		require.NoError(t, j.Record(ctx, ev, 15*time.Millisecond))
	}

	all, err := j.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "https://b.test/", all[0].URL)
	assert.Equal(t, int64(15), all[0].DurationMS)
	assert.Len(t, all[0].ID, 36)

	s1, err := j.Recent(ctx, Query{Session: "S1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, s1, 1)
	assert.Equal(t, 201, s1[0].StatusCode)

	aborted, err := j.Recent(ctx, Query{Action: model.RouteActionAbort})
	require.NoError(t, err)
	require.Len(t, aborted, 1)
	assert.Equal(t, "https://a.test/1.png", aborted[0].URL)

	counts, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.RouteAction]int64{
		model.RouteActionAbort:    1,
		model.RouteActionFulfill:  1,
		model.RouteActionContinue: 1,
	}, counts)
}

func TestTablePrefix(t *testing.T) {
	j := openMem(t)
	assert.True(t, j.db.Migrator().HasTable("test_entries"))
}

func TestGormLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(logger.NewWithWriter(&buf, zerolog.DebugLevel))

	l.Info(context.Background(), "hidden")
	assert.Empty(t, buf.String())

	l.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 1", 1 }, nil)
	assert.Contains(t, buf.String(), "慢SQL查询")
}
