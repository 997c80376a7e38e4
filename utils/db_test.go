package utils

import (
	"context"
	"testing"
	"time"

	"qchat_server/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newPooledTestDB(t *testing.T, maxOpen int) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库必须锁单连接，顺带构造出极小的池
	sqlDB.SetMaxOpenConns(maxOpen)
	require.NoError(t, db.AutoMigrate(&model.User{}))
	return db
}

func TestAcquireTimeout_FailsFastOnExhaustedPool(t *testing.T) {
	db := newPooledTestDB(t, 1)
	require.NoError(t, RegisterAcquireTimeout(db, 50*time.Millisecond))

	// 事务占住池里唯一一条连接
	tx := db.Begin()
	require.NoError(t, tx.Error)

	start := time.Now()
	var n int64
	err := db.Model(&model.User{}).Count(&n).Error
	require.Error(t, err, "query must not block indefinitely when the pool is exhausted")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// 连接归还后恢复正常
	require.NoError(t, tx.Rollback().Error)
	require.NoError(t, db.Model(&model.User{}).Count(&n).Error)
}

func TestAcquireTimeout_KeepsCallerDeadline(t *testing.T) {
	db := newPooledTestDB(t, 1)
	require.NoError(t, RegisterAcquireTimeout(db, 50*time.Millisecond))

	tx := db.Begin()
	require.NoError(t, tx.Error)
	defer tx.Rollback()

	// 调用方自带的更长期限不被 50ms 兜底覆盖
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	var n int64
	err := db.WithContext(ctx).Model(&model.User{}).Count(&n).Error
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireTimeout_NegativeDisables(t *testing.T) {
	db := newPooledTestDB(t, 1)
	require.NoError(t, RegisterAcquireTimeout(db, -1))

	var n int64
	require.NoError(t, db.Model(&model.User{}).Count(&n).Error)
}
