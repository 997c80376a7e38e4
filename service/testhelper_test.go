package service

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"qchat_server/middleware"
	"qchat_server/model"
	"qchat_server/notify"
	"qchat_server/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() {
	middleware.InitAuth("test-secret")
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// 内存库必须锁单连接，否则池内第二条连接见到的是另一个空库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Friendship{},
		&model.FriendRequest{},
		&model.FriendGroup{},
		&model.Message{},
		&model.MessageRead{},
		&model.OfflineMessage{},
		&model.UserStatus{},
		&model.Notification{},
	))
	return db
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// fakePusher 记录所有推送，便于断言投递行为
type fakePusher struct {
	mu   sync.Mutex
	sent map[int64][]*protocol.Response
}

func newFakePusher() *fakePusher {
	return &fakePusher{sent: make(map[int64][]*protocol.Response)}
}

func (p *fakePusher) SendToUser(userID int64, payload []byte) bool {
	var resp protocol.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[userID] = append(p.sent[userID], &resp)
	return true
}

func (p *fakePusher) Broadcast(payload []byte) {}

// pushes 指定用户收到的某动作推送数
func (p *fakePusher) pushes(userID int64, action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.sent[userID] {
		if r.Action == action {
			n++
		}
	}
	return n
}

// captureSink 捕获验证码供注册流程断言
type captureSink struct {
	mu    sync.Mutex
	codes map[string]string
}

func newCaptureSink() *captureSink {
	return &captureSink{codes: make(map[string]string)}
}

func (s *captureSink) SendVerificationCode(email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = code
	return nil
}

func (s *captureSink) lastCode(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email]
}

var _ notify.Sink = (*captureSink)(nil)

// fixture 服务层测试装配：sqlite + miniredis + 可注入时钟
type fixture struct {
	db       *gorm.DB
	rdb      *redis.Client
	pusher   *fakePusher
	sink     *captureSink
	queue    *OfflineQueue
	users    *UserService
	friends  *FriendService
	messages *MessageService
	presence *PresenceService

	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	rdb := newTestRedis(t)

	f := &fixture{
		db:     db,
		rdb:    rdb,
		pusher: newFakePusher(),
		sink:   newCaptureSink(),
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.queue = NewOfflineQueue(db)
	f.users = NewUserService(db, rdb, f.sink)
	notifications := NewNotificationService(db)
	f.presence = NewPresenceService(db, rdb, 30*time.Second)
	f.presence.SetClock(clock)
	f.friends = NewFriendService(db, f.users, notifications, f.queue, NewSearchCache(rdb))
	f.messages = NewMessageService(db, f.friends, f.queue, 120*time.Second)
	f.messages.SetClock(clock)

	f.presence.SetPusher(f.pusher)
	f.presence.SetFriendLister(f.friends)
	f.friends.SetPusher(f.pusher)
	f.friends.SetPresence(f.presence)
	f.messages.SetPusher(f.pusher)
	f.messages.SetPresence(f.presence)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// createUser 直接落库建用户（跳过验证码流程）
func (f *fixture) createUser(t *testing.T, username string) *model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"+"salt"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &model.User{
		Username:     username,
		Email:        username + "@example.com",
		DisplayName:  username,
		PasswordHash: string(hash),
		Salt:         "salt",
		Status:       "active",
	}
	require.NoError(t, f.db.Create(user).Error)
	return user
}

// makeFriends 走完整请求/接受流程建立好友关系
func (f *fixture) makeFriends(t *testing.T, a, b *model.User) {
	t.Helper()
	view, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{
		UserIdentifier: b.Username,
	})
	require.Nil(t, serr)
	_, serr = f.friends.RespondToFriendRequest(b.ID, protocol.FriendResponsePayload{
		RequestID: view.FriendRequest.ID,
		Accept:    true,
	})
	require.Nil(t, serr)
}
