package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"qchat_server/config"
	"qchat_server/logger"
	"qchat_server/metrics"
	"qchat_server/protocol"
	"qchat_server/router"
	"qchat_server/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bridgeChannel 跨实例推送转发通道
const bridgeChannel = "qchat:push_bridge"

// bridgeEnvelope 跨实例转发载荷。user_id 为 0 表示广播。
type bridgeEnvelope struct {
	UserID  int64           `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher 连接分发器：监听、准入、会话登记与服务端推送的唯一出口。
// 两张权威映射（连接 ID→会话、用户 ID→已认证会话）在同一把锁下维护，
// 锁只护映射变更，不跨 I/O 持有。
type Dispatcher struct {
	cfg  *config.Config
	pool *WorkerPool
	rdb  *redis.Client

	router   *router.Router
	presence *service.PresenceService

	ln     net.Listener
	closed atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session // 连接 ID → 会话（全部连接）
	users    map[int64]*Session  // 用户 ID → 会话（仅已认证）
	ipCount  map[string]int

	// 全局接受速率兜底，防御连接风暴
	acceptThrottle *rate.Limiter
}

func NewDispatcher(cfg *config.Config, pool *WorkerPool, rdb *redis.Client) *Dispatcher {
	return &Dispatcher{
		cfg:            cfg,
		pool:           pool,
		rdb:            rdb,
		sessions:       make(map[string]*Session),
		users:          make(map[int64]*Session),
		ipCount:        make(map[string]int),
		acceptThrottle: rate.NewLimiter(rate.Limit(1000), 2000),
	}
}

// SetRouter 注入请求路由（构造序上路由依赖服务，服务依赖分发器的推送口）
func (d *Dispatcher) SetRouter(r *router.Router) {
	d.router = r
}

// SetPresence 注入在线状态服务
func (d *Dispatcher) SetPresence(p *service.PresenceService) {
	d.presence = p
}

// Start 绑定 TCP 端口并阻塞接受连接，直到 ctx 取消或 Stop 被调用
func (d *Dispatcher) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+d.cfg.TCPPort)
	if err != nil {
		return fmt.Errorf("listen tcp :%s: %w", d.cfg.TCPPort, err)
	}
	d.ln = ln
	logger.L().Info("tcp server listening", zap.String("port", d.cfg.TCPPort))

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.closed.Load() {
				return nil
			}
			logger.L().Warn("accept failed", zap.Error(err))
			continue
		}

		if !d.acceptThrottle.Allow() {
			conn.Close()
			metrics.ConnectionsRejected.WithLabelValues("throttle").Inc()
			continue
		}

		d.Adopt(newTCPTransport(conn))
	}
}

// Addr 实际监听地址（以端口 0 启动时由调用方取回真实端口）
func (d *Dispatcher) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Adopt 准入一条新连接（TCP 与 WebSocket 网关共用）。
// 超出全局或单 IP 上限的连接直接关闭，不占用工作组。
func (d *Dispatcher) Adopt(tr transport) *Session {
	ip := hostOnly(tr.RemoteAddr())

	d.mu.Lock()
	if len(d.sessions) >= d.cfg.MaxConnections {
		d.mu.Unlock()
		tr.Close()
		metrics.ConnectionsRejected.WithLabelValues("global_cap").Inc()
		return nil
	}
	if d.ipCount[ip] >= d.cfg.MaxPerIP {
		d.mu.Unlock()
		tr.Close()
		metrics.ConnectionsRejected.WithLabelValues("ip_cap").Inc()
		logger.L().Warn("per-ip connection cap hit", zap.String("ip", ip))
		return nil
	}
	s := newSession(d, tr, d.cfg.HeartbeatTimeout())
	d.sessions[s.id] = s
	d.ipCount[ip]++
	d.mu.Unlock()

	metrics.ActiveConnections.Inc()
	d.pool.Submit(s.run)
	return s
}

// bindUser 登记已认证会话。同一用户重复登录踢掉旧连接。
func (d *Dispatcher) bindUser(s *Session, userID int64, device string) {
	d.mu.Lock()
	old := d.users[userID]
	d.users[userID] = s
	d.mu.Unlock()

	if old != nil && old != s {
		d.kick(old, "logged in elsewhere")
	}

	metrics.AuthenticatedSessions.Inc()
	if d.presence != nil {
		if err := d.presence.UserOnline(userID, s.id, device, s.ip); err != nil {
			logger.L().Error("mark user online failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	logger.L().Info("session authenticated",
		zap.String("session_id", s.id),
		zap.Int64("user_id", userID),
		zap.String("ip", s.ip))
}

// unregister 会话断开：摘除两张映射、回退 IP 计数、触发下线，
// 并在宽限期后才最终销毁会话，保证在途回调安全完成。
func (d *Dispatcher) unregister(s *Session) {
	uid := s.UserID()

	d.mu.Lock()
	if _, ok := d.sessions[s.id]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, s.id)
	if d.ipCount[s.ip] > 1 {
		d.ipCount[s.ip]--
	} else {
		delete(d.ipCount, s.ip)
	}
	wasBound := uid > 0 && d.users[uid] == s
	if wasBound {
		delete(d.users, uid)
	}
	d.mu.Unlock()

	metrics.ActiveConnections.Dec()
	if wasBound {
		metrics.AuthenticatedSessions.Dec()
		if d.presence != nil {
			if err := d.presence.UserOffline(uid); err != nil {
				logger.L().Error("mark user offline failed",
					zap.Int64("user_id", uid), zap.Error(err))
			}
		}
	}

	time.AfterFunc(d.cfg.TeardownGrace(), s.Close)
	logger.L().Debug("session unregistered",
		zap.String("session_id", s.id), zap.Int64("user_id", uid))
}

// SendToUser 推送给指定用户。本地无会话时，若其他实例持有该用户连接，
// 经 redis 通道转发；彻底离线返回 false（由调用方决定是否入离线队列）。
func (d *Dispatcher) SendToUser(userID int64, payload []byte) bool {
	d.mu.Lock()
	s := d.users[userID]
	d.mu.Unlock()

	if s != nil {
		return s.Send(payload)
	}

	if d.rdb != nil {
		ctx := context.Background()
		if exists, err := d.rdb.Exists(ctx, "online:"+fmt.Sprint(userID)).Result(); err == nil && exists > 0 {
			env, _ := json.Marshal(bridgeEnvelope{UserID: userID, Payload: payload})
			if err := d.rdb.Publish(ctx, bridgeChannel, env).Err(); err == nil {
				return true
			}
		}
	}
	return false
}

// Broadcast 推送给所有已认证会话（含跨实例转发）
func (d *Dispatcher) Broadcast(payload []byte) {
	d.mu.Lock()
	targets := make([]*Session, 0, len(d.users))
	for _, s := range d.users {
		targets = append(targets, s)
	}
	d.mu.Unlock()

	for _, s := range targets {
		s.Send(payload)
	}

	if d.rdb != nil {
		env, _ := json.Marshal(bridgeEnvelope{UserID: 0, Payload: payload})
		d.rdb.Publish(context.Background(), bridgeChannel, env)
	}
}

// StartBridge 订阅跨实例推送通道。收到的载荷只做本地投递，不再转发。
func (d *Dispatcher) StartBridge(ctx context.Context) {
	if d.rdb == nil {
		return
	}
	sub := d.rdb.Subscribe(ctx, bridgeChannel)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var env bridgeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				d.deliverLocal(&env)
			}
		}
	}()
}

func (d *Dispatcher) deliverLocal(env *bridgeEnvelope) {
	if env.UserID == 0 {
		d.mu.Lock()
		targets := make([]*Session, 0, len(d.users))
		for _, s := range d.users {
			targets = append(targets, s)
		}
		d.mu.Unlock()
		for _, s := range targets {
			s.Send(env.Payload)
		}
		return
	}

	d.mu.Lock()
	s := d.users[env.UserID]
	d.mu.Unlock()
	if s != nil {
		s.Send(env.Payload)
	}
}

// KickUser 管理操作：断开指定用户的连接
func (d *Dispatcher) KickUser(userID int64, reason string) bool {
	d.mu.Lock()
	s := d.users[userID]
	d.mu.Unlock()
	if s == nil {
		return false
	}
	d.kick(s, reason)
	return true
}

// kick 发出踢出通知后延迟关闭，给写循环留出冲刷时间
func (d *Dispatcher) kick(s *Session, reason string) {
	s.Send(protocol.Push(protocol.PushKicked, map[string]string{"reason": reason}).Marshal())
	time.AfterFunc(200*time.Millisecond, s.Close)
}

// OnlineUsers 当前已认证的用户 ID 列表（管理接口用）
func (d *Dispatcher) OnlineUsers() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, 0, len(d.users))
	for id := range d.users {
		out = append(out, id)
	}
	return out
}

// SessionCount 当前连接数
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Stop 停止监听并关闭全部会话
func (d *Dispatcher) Stop() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if d.ln != nil {
		d.ln.Close()
	}

	d.mu.Lock()
	all := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	logger.L().Info("dispatcher stopped", zap.Int("sessions_closed", len(all)))
}
