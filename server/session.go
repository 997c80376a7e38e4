package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"qchat_server/logger"
	"qchat_server/metrics"
	"qchat_server/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 会话状态机：Connected → Authenticating → Authenticated → Closing
const (
	StateConnected int32 = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
)

// sendBufferSize 出站队列长度。写满说明客户端消费过慢，直接踢出，
// 避免慢客户端拖住推送方。
const sendBufferSize = 64

// transport 会话底层传输。TCP 与 WebSocket 各自实现，
// 会话层不感知具体承载。
type transport interface {
	// ReadFrame 阻塞读取一个完整载荷。
	// 协议违规（超长帧、缓冲区溢出）返回可恢复错误，连接继续可用。
	ReadFrame() ([]byte, error)
	// WriteFrame 写出一个完整载荷（含承载层自己的帧边界）
	WriteFrame(payload []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// recoverableViolation 可恢复的协议违规：回错误响应但不断开
func recoverableViolation(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrBufferOverflow) ||
		errors.Is(err, protocol.ErrZeroLengthFrame)
}

// Session 单个客户端会话。
// 入站处理由读循环串行驱动，出站写经 send 队列由写循环串行落盘，
// 请求响应与服务端推送共用同一条出站通路，不会交叉破坏字节流。
type Session struct {
	id     string
	userID atomic.Int64
	state  atomic.Int32
	device string

	tr   transport
	ip   string
	send chan []byte

	d *Dispatcher

	heartbeatTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(d *Dispatcher, tr transport, heartbeatTimeout time.Duration) *Session {
	s := &Session{
		id:               uuid.New().String(),
		tr:               tr,
		ip:               hostOnly(tr.RemoteAddr()),
		send:             make(chan []byte, sendBufferSize),
		d:                d,
		heartbeatTimeout: heartbeatTimeout,
		done:             make(chan struct{}),
	}
	s.userID.Store(-1)
	s.state.Store(StateConnected)
	return s
}

// ID 连接级唯一标识
func (s *Session) ID() string {
	return s.id
}

// UserID 已认证用户 ID；未认证为 -1
func (s *Session) UserID() int64 {
	return s.userID.Load()
}

// RemoteIP 对端 IP
func (s *Session) RemoteIP() string {
	return s.ip
}

// Device 登录时上报的设备标识
func (s *Session) Device() string {
	return s.device
}

// Bind 认证成功后绑定用户：登记用户映射并触发上线流程。
// 同一用户重复登录会踢掉旧会话。
func (s *Session) Bind(userID int64, device string) {
	if !s.state.CompareAndSwap(StateConnected, StateAuthenticated) {
		if !s.state.CompareAndSwap(StateAuthenticating, StateAuthenticated) {
			return
		}
	}
	s.userID.Store(userID)
	s.device = device
	s.d.bindUser(s, userID, device)
}

// Send 非阻塞入队一条出站载荷。
// 队列已满视为客户端失速，触发踢出；推送方永远不会被写阻塞。
func (s *Session) Send(payload []byte) bool {
	if s.state.Load() == StateClosing {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		logger.L().Warn("send queue overflow, kicking slow client",
			zap.String("session_id", s.id),
			zap.Int64("user_id", s.UserID()))
		metrics.PushFailures.Inc()
		go s.Close()
		return false
	}
}

// run 驱动会话直至断开。由连接分发器的工作组调度执行。
func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	s.d.unregister(s)
}

// readLoop 读循环：心跳期限内逐帧读取、分发、应答。
// 任何请求都会刷新心跳期限；超时视为非正常断开。
func (s *Session) readLoop() {
	for {
		if err := s.tr.SetReadDeadline(time.Now().Add(s.heartbeatTimeout)); err != nil {
			return
		}

		frame, err := s.tr.ReadFrame()
		if err != nil {
			if recoverableViolation(err) {
				// 协议违规：缓冲区已被清空，回错误响应后继续收
				metrics.ProtocolViolations.Inc()
				logger.L().Warn("protocol violation",
					zap.String("session_id", s.id), zap.Error(err))
				resp := protocol.Fail(&protocol.Request{}, protocol.ErrProtocol, err.Error())
				s.Send(resp.Marshal())
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.L().Debug("session read ended",
					zap.String("session_id", s.id), zap.Error(err))
			}
			return
		}

		if s.state.Load() == StateConnected {
			s.state.CompareAndSwap(StateConnected, StateAuthenticating)
		}

		resp := s.d.router.Dispatch(s, frame)
		if resp != nil {
			s.Send(resp)
		}
	}
}

// writeLoop 写循环：串行消费出站队列
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.tr.WriteFrame(payload); err != nil {
				logger.L().Debug("session write failed",
					zap.String("session_id", s.id), zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// Close 关闭会话（幂等）。只取消本会话的待写数据，
// 已提交的数据库状态不回滚。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(StateClosing)
		close(s.done)
		s.tr.Close()
	})
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
