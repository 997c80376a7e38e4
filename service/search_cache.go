package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qchat_server/logger"
	"qchat_server/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	searchCacheLocalTTL = 5 * time.Minute
	searchCacheRedisTTL = 30 * time.Minute
	searchCacheSize     = 2048
	searchCachePre      = "user_search:"
)

// SearchCache 用户搜索结果两级缓存：
// 进程内 LRU 为快路径，redis 为跨进程共享层。
// 写路径不做失效——搜索结果本就允许分钟级陈旧。
type SearchCache struct {
	local *expirable.LRU[string, []model.UserBrief]
	rdb   *redis.Client
}

func NewSearchCache(rdb *redis.Client) *SearchCache {
	return &SearchCache{
		local: expirable.NewLRU[string, []model.UserBrief](searchCacheSize, nil, searchCacheLocalTTL),
		rdb:   rdb,
	}
}

// Get 查缓存。本地未命中时回源 redis 并回填本地。
func (c *SearchCache) Get(query string) ([]model.UserBrief, bool) {
	if hit, ok := c.local.Get(query); ok {
		return hit, true
	}

	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(context.Background(), searchCachePre+query).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.L().Warn("search cache redis read failed", zap.Error(err))
		return nil, false
	}

	var out []model.UserBrief
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	c.local.Add(query, out)
	return out, true
}

// Put 写入两级缓存
func (c *SearchCache) Put(query string, results []model.UserBrief) {
	c.local.Add(query, results)

	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := c.rdb.Set(context.Background(), searchCachePre+query, raw, searchCacheRedisTTL).Err(); err != nil {
		logger.L().Warn("search cache redis write failed", zap.Error(err))
	}
}
