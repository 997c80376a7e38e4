package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"qchat_server/logger"
	"qchat_server/model"
	"qchat_server/protocol"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FriendLister 查询已接受好友的能力（由 FriendService 提供，Set 注入）
type FriendLister interface {
	AcceptedFriendIDs(userID int64) ([]int64, error)
}

// statusEntry 内存状态缓存条目
type statusEntry struct {
	status   model.PresenceStatus
	lastSeen time.Time
	clientID string
	device   string
	ip       string
}

// PresenceService 在线状态注册表。
// 内存缓存为快路径，数据库行为权威副本（崩溃恢复用）；
// 超过心跳超时的缓存条目即使尚未被清扫也按 offline 处理。
type PresenceService struct {
	db  *gorm.DB
	rdb *redis.Client

	mu    sync.RWMutex
	cache map[int64]*statusEntry

	timeout time.Duration
	clock   func() time.Time

	pusher  Pusher
	friends FriendLister

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewPresenceService(db *gorm.DB, rdb *redis.Client, heartbeatTimeout time.Duration) *PresenceService {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &PresenceService{
		db:      db,
		rdb:     rdb,
		cache:   make(map[int64]*statusEntry),
		timeout: heartbeatTimeout,
		clock:   time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetPusher 注入推送能力（用于依赖注入）
func (s *PresenceService) SetPusher(p Pusher) {
	s.pusher = p
}

// SetFriendLister 注入好友查询能力（用于依赖注入）
func (s *PresenceService) SetFriendLister(f FriendLister) {
	s.friends = f
}

// SetClock 注入时钟（单测用）
func (s *PresenceService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// UserOnline 用户认证成功上线。仅 offline→online 触发上线广播。
func (s *PresenceService) UserOnline(userID int64, clientID, device, ip string) error {
	now := s.clock()

	s.mu.Lock()
	prev := s.cachedStatusLocked(userID, now)
	s.cache[userID] = &statusEntry{
		status:   model.PresenceOnline,
		lastSeen: now,
		clientID: clientID,
		device:   device,
		ip:       ip,
	}
	s.mu.Unlock()

	if err := s.persist(userID, model.PresenceOnline, now, clientID, device, ip); err != nil {
		return err
	}
	s.touchRedis(userID)

	if prev == model.PresenceOffline {
		s.broadcastToFriends(userID, model.PresenceOnline)
	}
	return nil
}

// UserOffline 用户下线（主动登出或连接断开）。仅非 offline→offline 触发下线广播。
func (s *PresenceService) UserOffline(userID int64) error {
	now := s.clock()

	s.mu.Lock()
	prev := s.cachedStatusLocked(userID, now)
	delete(s.cache, userID)
	s.mu.Unlock()

	if err := s.persist(userID, model.PresenceOffline, now, "", "", ""); err != nil {
		return err
	}
	if s.rdb != nil {
		s.rdb.Del(context.Background(), presenceKey(userID))
	}

	if prev != model.PresenceOffline {
		s.broadcastToFriends(userID, model.PresenceOffline)
	}
	return nil
}

// UpdateUserStatus 切换 away/busy/invisible 等状态。
// 同态写入直接返回成功，不产生任何副作用。
func (s *PresenceService) UpdateUserStatus(userID int64, status model.PresenceStatus) *Error {
	if !status.Valid() {
		return NewError(CodeInvalidParams, "invalid status: %s", status)
	}
	now := s.clock()

	s.mu.Lock()
	prev := s.cachedStatusLocked(userID, now)
	if prev == status {
		// 同态 no-op
		s.mu.Unlock()
		return nil
	}
	entry := s.cache[userID]
	if entry == nil {
		entry = &statusEntry{}
		s.cache[userID] = entry
	}
	entry.status = status
	entry.lastSeen = now
	s.mu.Unlock()

	if err := s.persist(userID, status, now, "", "", ""); err != nil {
		return Internal(err)
	}
	s.touchRedis(userID)

	// 对好友广播可见状态（invisible 对外呈现为 offline）
	s.broadcastToFriends(userID, status.Visible())
	return nil
}

// Heartbeat 刷新心跳时间
func (s *PresenceService) Heartbeat(userID int64) {
	now := s.clock()

	s.mu.Lock()
	if entry, ok := s.cache[userID]; ok {
		entry.lastSeen = now
	} else {
		s.cache[userID] = &statusEntry{status: model.PresenceOnline, lastSeen: now}
	}
	s.mu.Unlock()

	// 权威副本的 last_seen 也要续，否则清扫会错杀仍在心跳的用户
	if err := s.db.Model(&model.UserStatus{}).
		Where("user_id = ?", userID).
		Update("last_seen", now).Error; err != nil {
		logger.L().Warn("persist heartbeat failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	s.touchRedis(userID)
}

// IsUserOnline 用户是否可投递（invisible 视为在线，仅对好友隐身）。
// 缓存条目超过心跳超时按 offline 处理，不等待后台清扫。
func (s *PresenceService) IsUserOnline(userID int64) bool {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedStatusLocked(userID, now) != model.PresenceOffline
}

// GetUserStatus 查询用户对外可见状态。缓存优先，缓存未命中回源数据库。
func (s *PresenceService) GetUserStatus(userID int64) model.PresenceStatus {
	now := s.clock()

	s.mu.RLock()
	entry, ok := s.cache[userID]
	s.mu.RUnlock()

	if ok {
		if now.Sub(entry.lastSeen) > s.timeout {
			return model.PresenceOffline
		}
		return entry.status.Visible()
	}

	var row model.UserStatus
	if err := s.db.Where("user_id = ?", userID).First(&row).Error; err != nil {
		return model.PresenceOffline
	}
	if row.Status == model.PresenceOffline || now.Sub(row.LastSeen) > s.timeout {
		return model.PresenceOffline
	}
	return row.Status.Visible()
}

// FriendStatus 好友状态条目
type FriendStatus struct {
	UserID   int64                `json:"user_id"`
	Status   model.PresenceStatus `json:"status"`
	LastSeen time.Time            `json:"last_seen"`
}

// GetFriendsStatuses 查询全部好友的可见状态
func (s *PresenceService) GetFriendsStatuses(userID int64) ([]FriendStatus, *Error) {
	if s.friends == nil {
		return nil, NewError(CodeInternal, "friend lister not wired")
	}
	ids, err := s.friends.AcceptedFriendIDs(userID)
	if err != nil {
		return nil, Internal(err)
	}

	now := s.clock()
	out := make([]FriendStatus, 0, len(ids))

	s.mu.RLock()
	for _, id := range ids {
		fs := FriendStatus{UserID: id, Status: model.PresenceOffline}
		if entry, ok := s.cache[id]; ok && now.Sub(entry.lastSeen) <= s.timeout {
			fs.Status = entry.status.Visible()
			fs.LastSeen = entry.lastSeen
		}
		out = append(out, fs)
	}
	s.mu.RUnlock()

	return out, nil
}

// StartSweeper 启动后台清扫：把超时未心跳的持久化行翻转为 offline，
// 并淘汰对应缓存条目。覆盖崩溃/断网等从未调用 UserOffline 的场景。
func (s *PresenceService) StartSweeper() {
	go func() {
		ticker := time.NewTicker(s.timeout)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SweepOnce()
			}
		}
	}()
}

// SweepOnce 执行一轮清扫
func (s *PresenceService) SweepOnce() {
	now := s.clock()
	cutoff := now.Add(-s.timeout)

	// 1. 收集缓存中的过期用户，同时记下仍然新鲜的用户
	var stale []int64
	fresh := make(map[int64]bool)
	s.mu.Lock()
	for id, entry := range s.cache {
		if entry.lastSeen.Before(cutoff) {
			stale = append(stale, id)
			delete(s.cache, id)
		} else {
			fresh[id] = true
		}
	}
	s.mu.Unlock()

	// 2. 翻转持久化行（覆盖本进程缓存之外的残留行）；
	// 缓存仍新鲜的用户跳过，不因持久化副本滞后而误杀
	var rows []model.UserStatus
	if err := s.db.Where("status <> ? AND last_seen < ?", model.PresenceOffline, cutoff).
		Find(&rows).Error; err == nil {
		for _, row := range rows {
			if fresh[row.UserID] {
				continue
			}
			found := false
			for _, id := range stale {
				if id == row.UserID {
					found = true
					break
				}
			}
			if !found {
				stale = append(stale, row.UserID)
			}
		}
	}

	if len(stale) == 0 {
		return
	}

	if err := s.db.Model(&model.UserStatus{}).
		Where("user_id IN ? AND status <> ?", stale, model.PresenceOffline).
		Updates(map[string]interface{}{"status": model.PresenceOffline}).Error; err != nil {
		logger.L().Error("presence sweep failed", zap.Error(err))
		return
	}

	logger.L().Debug("presence sweep flipped stale users offline", zap.Int("count", len(stale)))

	// 3. 广播下线事件（清扫视同一次 offline 转换）
	for _, id := range stale {
		s.broadcastToFriends(id, model.PresenceOffline)
	}
}

// Stop 停止后台清扫
func (s *PresenceService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// cachedStatusLocked 读缓存状态（需持有 mu），过期条目按 offline 处理
func (s *PresenceService) cachedStatusLocked(userID int64, now time.Time) model.PresenceStatus {
	entry, ok := s.cache[userID]
	if !ok {
		return model.PresenceOffline
	}
	if now.Sub(entry.lastSeen) > s.timeout {
		return model.PresenceOffline
	}
	return entry.status
}

func (s *PresenceService) persist(userID int64, status model.PresenceStatus, now time.Time, clientID, device, ip string) error {
	row := model.UserStatus{
		UserID:   userID,
		Status:   status,
		LastSeen: now,
		ClientID: clientID,
		Device:   device,
		IP:       ip,
	}
	// upsert：存在则更新，不存在则插入
	result := s.db.Model(&model.UserStatus{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"status":    status,
			"last_seen": now,
			"client_id": clientID,
			"device":    device,
			"ip":        ip,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.db.Create(&row).Error
	}
	return nil
}

// touchRedis 刷新跨进程在线标记（TTL = 心跳超时）
func (s *PresenceService) touchRedis(userID int64) {
	if s.rdb == nil {
		return
	}
	s.rdb.Set(context.Background(), presenceKey(userID), "1", s.timeout)
}

func presenceKey(userID int64) string {
	return "online:" + strconv.FormatInt(userID, 10)
}

// broadcastToFriends 向当前在线的已接受好友推送状态变化。
// 状态事件是尽力而为：离线好友不会收到补发（与消息投递不同）。
func (s *PresenceService) broadcastToFriends(userID int64, status model.PresenceStatus) {
	if s.pusher == nil || s.friends == nil {
		return
	}
	ids, err := s.friends.AcceptedFriendIDs(userID)
	if err != nil {
		logger.L().Error("load friends for status broadcast failed",
			zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	payload := protocol.Push(protocol.PushFriendStatusChanged, map[string]interface{}{
		"user_id": userID,
		"status":  status,
	}).Marshal()

	for _, id := range ids {
		if s.IsUserOnline(id) {
			s.pusher.SendToUser(id, payload)
		}
	}
}
