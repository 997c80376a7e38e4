package ratelimit

import (
	"sync"
	"time"

	"qchat_server/logger"

	"go.uber.org/zap"
)

// EndpointConfig 单个端点的限流配置
type EndpointConfig struct {
	MaxTokens       int // 桶容量
	TokensPerSecond int // 补充速率
	WindowSeconds   int // 滑动窗口长度（仅用于观测统计）
}

// DefaultConfigs 默认限流表。未出现在表中的端点不做限制（有意放开，
// 部署方可按需收紧）。
func DefaultConfigs() map[string]EndpointConfig {
	return map[string]EndpointConfig{
		"login":                  {MaxTokens: 5, TokensPerSecond: 1, WindowSeconds: 60},
		"register":               {MaxTokens: 3, TokensPerSecond: 1, WindowSeconds: 60},
		"send_verification_code": {MaxTokens: 2, TokensPerSecond: 1, WindowSeconds: 60},
		"friend_request":         {MaxTokens: 10, TokensPerSecond: 1, WindowSeconds: 60},
		"friend_search":          {MaxTokens: 20, TokensPerSecond: 2, WindowSeconds: 60},
		"send_message":           {MaxTokens: 30, TokensPerSecond: 10, WindowSeconds: 10},
		"message_search":         {MaxTokens: 10, TokensPerSecond: 1, WindowSeconds: 60},
	}
}

// bucketState 每个 (identifier, endpoint) 的限流状态
type bucketState struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens per second
	lastRefill time.Time

	// 滑动窗口计数，仅观测用，不参与准入判定
	windowStart  time.Time
	windowLen    time.Duration
	windowCount  int64
	rejectedInWn int64

	lastSeen time.Time
}

// Limiter 按 (identifier, endpoint) 维度做令牌桶准入控制。
// 后台定时器每秒为所有桶补充令牌，空闲桶无需被查询也能恢复。
type Limiter struct {
	mu      sync.Mutex
	states  map[string]*bucketState
	configs map[string]EndpointConfig

	// 可注入时钟（单测用）；nil => time.Now
	clock func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	loggedOpen map[string]bool // 已提示过 fail-open 的端点
}

// New 创建限流器并启动后台补充/清理协程
func New(configs map[string]EndpointConfig) *Limiter {
	l := NewWithClock(configs, nil)
	go l.refillLoop()
	return l
}

// NewWithClock 创建限流器但不启动后台协程（单测用）
func NewWithClock(configs map[string]EndpointConfig, clock func() time.Time) *Limiter {
	if configs == nil {
		configs = DefaultConfigs()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		states:     make(map[string]*bucketState),
		configs:    configs,
		clock:      clock,
		stopCh:     make(chan struct{}),
		loggedOpen: make(map[string]bool),
	}
}

// CheckRateLimit 准入判定。identifier 通常是客户端 IP 或 "user:<id>"。
// 返回 true 放行；false 表示令牌耗尽，调用方应退避，且不产生任何数据变更。
func (l *Limiter) CheckRateLimit(identifier, endpoint string, userID int64) bool {
	cfg, ok := l.configs[endpoint]
	if !ok {
		// 未配置端点不限流（fail-open）
		l.mu.Lock()
		if !l.loggedOpen[endpoint] {
			l.loggedOpen[endpoint] = true
			logger.L().Debug("rate limit not configured, endpoint is unrestricted",
				zap.String("endpoint", endpoint))
		}
		l.mu.Unlock()
		return true
	}

	now := l.clock()
	key := identifier + "|" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	st, exists := l.states[key]
	if !exists {
		// 首次出现：满桶创建
		st = &bucketState{
			tokens:      cfg.MaxTokens,
			maxTokens:   cfg.MaxTokens,
			refillRate:  cfg.TokensPerSecond,
			lastRefill:  now,
			windowStart: now,
			windowLen:   time.Duration(cfg.WindowSeconds) * time.Second,
		}
		l.states[key] = st
	}

	st.lastSeen = now
	st.refill(now)
	st.slideWindow(now)
	st.windowCount++

	if st.tokens <= 0 {
		st.rejectedInWn++
		return false
	}
	st.tokens--
	return true
}

// refill 按流逝时间补充令牌：floor(elapsedMs * rate / 1000)，封顶 maxTokens。
// 未凑满一个令牌时不推进 lastRefill，避免丢失不足一秒的时间片。
func (s *bucketState) refill(now time.Time) {
	elapsed := now.Sub(s.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int(elapsed.Milliseconds() * int64(s.refillRate) / 1000)
	if added <= 0 {
		return
	}
	s.tokens += added
	if s.tokens > s.maxTokens {
		s.tokens = s.maxTokens
	}
	s.lastRefill = now
}

func (s *bucketState) slideWindow(now time.Time) {
	if s.windowLen > 0 && now.Sub(s.windowStart) >= s.windowLen {
		s.windowStart = now
		s.windowCount = 0
		s.rejectedInWn = 0
	}
}

// refillLoop 每秒为所有桶补充一次令牌，并清理长期空闲的桶
func (l *Limiter) refillLoop() {
	refill := time.NewTicker(time.Second)
	cleanup := time.NewTicker(time.Minute)
	defer refill.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-refill.C:
			l.RefillAll(now)
		case now := <-cleanup.C:
			l.evictIdle(now, 10*time.Minute)
		}
	}
}

// RefillAll 为所有桶补充令牌（后台定时器驱动，空闲桶也能恢复）
func (l *Limiter) RefillAll(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.states {
		st.refill(now)
	}
}

func (l *Limiter) evictIdle(now time.Time, idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, st := range l.states {
		if now.Sub(st.lastSeen) > idle {
			delete(l.states, key)
		}
	}
}

// Stop 停止后台协程
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Stat 单桶观测快照
type Stat struct {
	Identifier  string `json:"identifier"`
	Endpoint    string `json:"endpoint"`
	Tokens      int    `json:"tokens"`
	MaxTokens   int    `json:"max_tokens"`
	WindowCount int64  `json:"window_count"`
	Rejected    int64  `json:"rejected_in_window"`
}

// Stats 导出所有桶的观测快照（管理接口用）
func (l *Limiter) Stats() []Stat {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Stat, 0, len(l.states))
	for key, st := range l.states {
		id, ep := splitKey(key)
		out = append(out, Stat{
			Identifier:  id,
			Endpoint:    ep,
			Tokens:      st.tokens,
			MaxTokens:   st.maxTokens,
			WindowCount: st.windowCount,
			Rejected:    st.rejectedInWn,
		})
	}
	return out
}

// Reset 清空指定 identifier 的全部状态（管理接口用）
func (l *Limiter) Reset(identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.states {
		if id, _ := splitKey(key); id == identifier {
			delete(l.states, key)
			n++
		}
	}
	return n
}

func splitKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
