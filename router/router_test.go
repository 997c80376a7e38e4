package router

import (
	"encoding/json"
	"testing"
	"time"

	"qchat_server/middleware"
	"qchat_server/model"
	"qchat_server/notify"
	"qchat_server/protocol"
	"qchat_server/ratelimit"
	"qchat_server/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	middleware.InitAuth("router-test-secret")
}

// fakeSession 最小会话实现
type fakeSession struct {
	id     string
	userID int64
	ip     string
	bound  int64
}

func (s *fakeSession) ID() string       { return s.id }
func (s *fakeSession) UserID() int64    { return s.userID }
func (s *fakeSession) RemoteIP() string { return s.ip }
func (s *fakeSession) Bind(userID int64, device string) {
	s.userID = userID
	s.bound = userID
}

func newTestRouter(t *testing.T) (*Router, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Friendship{}, &model.FriendRequest{},
		&model.FriendGroup{}, &model.Message{}, &model.MessageRead{},
		&model.OfflineMessage{}, &model.UserStatus{}, &model.Notification{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	queue := service.NewOfflineQueue(db)
	users := service.NewUserService(db, rdb, notify.NewLogSink())
	notifications := service.NewNotificationService(db)
	presence := service.NewPresenceService(db, rdb, 30*time.Second)
	friends := service.NewFriendService(db, users, notifications, queue, service.NewSearchCache(rdb))
	messages := service.NewMessageService(db, friends, queue, 120*time.Second)
	presence.SetFriendLister(friends)
	friends.SetPresence(presence)
	messages.SetPresence(presence)

	limiter := ratelimit.NewWithClock(ratelimit.DefaultConfigs(), nil)
	return New(limiter, users, friends, messages, presence, notifications), db
}

func dispatch(t *testing.T, r *Router, sess Session, action string, data interface{}) *protocol.Response {
	t.Helper()
	req := map[string]interface{}{
		"action":     action,
		"request_id": "req-1",
		"timestamp":  time.Now().UnixMilli(),
	}
	if data != nil {
		req["data"] = data
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(r.Dispatch(sess, raw), &resp))
	return &resp
}

func TestDispatch_MalformedAndUnknown(t *testing.T) {
	r, _ := newTestRouter(t)
	sess := &fakeSession{id: "s1", userID: -1, ip: "10.0.0.1"}

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(r.Dispatch(sess, []byte("{not json")), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.ErrInvalidParams, resp.ErrorCode)

	resp2 := dispatch(t, r, &fakeSession{id: "s2", userID: 7, ip: "10.0.0.1"}, "no_such_action", nil)
	assert.Equal(t, protocol.ErrInvalidAction, resp2.ErrorCode)
}

func TestDispatch_ResponseEchoesRequestID(t *testing.T) {
	r, _ := newTestRouter(t)
	sess := &fakeSession{id: "s1", userID: 7, ip: "10.0.0.1"}

	resp := dispatch(t, r, sess, protocol.ActionHeartbeat, nil)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, protocol.ActionHeartbeat, resp.Action)
	assert.NotZero(t, resp.Timestamp)
}

func TestDispatch_AuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	sess := &fakeSession{id: "s1", userID: -1, ip: "10.0.0.1"}

	resp := dispatch(t, r, sess, protocol.ActionFriendList, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.ErrAuthRequired, resp.ErrorCode)
}

func TestDispatch_SessionTokenLazyBind(t *testing.T) {
	r, db := newTestRouter(t)
	user := &model.User{Username: "frank", Email: "frank@example.com",
		DisplayName: "frank", PasswordHash: "x", Salt: "s", Status: "active"}
	require.NoError(t, db.Create(user).Error)

	token, err := middleware.GenerateToken(user.ID, time.Hour)
	require.NoError(t, err)

	sess := &fakeSession{id: "s1", userID: -1, ip: "10.0.0.1"}
	req := map[string]interface{}{
		"action":        protocol.ActionFriendList,
		"request_id":    "req-2",
		"session_token": token,
	}
	raw, _ := json.Marshal(req)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(r.Dispatch(sess, raw), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, user.ID, sess.bound, "token binds the session")
}

func TestDispatch_ValidationBeforeService(t *testing.T) {
	r, db := newTestRouter(t)
	sess := &fakeSession{id: "s1", userID: 7, ip: "10.0.0.1"}

	cases := []struct {
		action string
		data   interface{}
	}{
		{protocol.ActionFriendRequest, map[string]interface{}{}},
		{protocol.ActionFriendResponse, map[string]interface{}{"accept": true}},
		{protocol.ActionFriendRemove, map[string]interface{}{}},
		{protocol.ActionSendMessage, map[string]interface{}{"receiver_id": 3}},
		{protocol.ActionGetChatHistory, map[string]interface{}{}},
		{protocol.ActionMessageMarkRead, map[string]interface{}{}},
		{protocol.ActionMessageRecall, map[string]interface{}{}},
		{protocol.ActionFriendSearch, map[string]interface{}{}},
		{protocol.ActionStatusUpdate, map[string]interface{}{}},
	}
	for _, tc := range cases {
		resp := dispatch(t, r, sess, tc.action, tc.data)
		assert.Equalf(t, protocol.ErrInvalidParams, resp.ErrorCode,
			"action %s must fail validation before touching services", tc.action)
	}

	// 校验失败不产生任何写入
	var count int64
	db.Model(&model.FriendRequest{}).Count(&count)
	assert.Zero(t, count)
}

func TestDispatch_RateLimited(t *testing.T) {
	r, _ := newTestRouter(t)
	sess := &fakeSession{id: "s1", userID: -1, ip: "10.0.0.99"}

	// login 桶容量 5：前 5 次到达服务层（认证失败），第 6 次被限流挡下
	data := map[string]interface{}{"username": "ghost", "password": "nope"}
	for i := 0; i < 5; i++ {
		resp := dispatch(t, r, sess, protocol.ActionLogin, data)
		assert.Equal(t, protocol.ErrAuthFailed, resp.ErrorCode)
	}
	resp := dispatch(t, r, sess, protocol.ActionLogin, data)
	assert.Equal(t, protocol.ErrRateLimited, resp.ErrorCode)

	// 其他来源不受影响
	other := &fakeSession{id: "s2", userID: -1, ip: "10.0.0.100"}
	resp = dispatch(t, r, other, protocol.ActionLogin, data)
	assert.Equal(t, protocol.ErrAuthFailed, resp.ErrorCode)
}

func TestDispatch_ErrorCodeMapping(t *testing.T) {
	r, db := newTestRouter(t)
	user := &model.User{Username: "gina", Email: "gina@example.com",
		DisplayName: "gina", PasswordHash: "x", Salt: "s", Status: "active"}
	require.NoError(t, db.Create(user).Error)
	sess := &fakeSession{id: "s1", userID: user.ID, ip: "10.0.0.1"}

	resp := dispatch(t, r, sess, protocol.ActionFriendRequest,
		map[string]interface{}{"user_identifier": "gina"})
	assert.Equal(t, protocol.ErrSelfRequest, resp.ErrorCode)

	resp = dispatch(t, r, sess, protocol.ActionFriendRequest,
		map[string]interface{}{"user_identifier": "missing"})
	assert.Equal(t, protocol.ErrUserNotFound, resp.ErrorCode)

	resp = dispatch(t, r, sess, protocol.ActionMessageRecall,
		map[string]interface{}{"message_id": "no-such-uuid"})
	assert.Equal(t, protocol.ErrMsgNotFound, resp.ErrorCode)
}

func TestDispatch_NotificationListAndMarkRead(t *testing.T) {
	r, db := newTestRouter(t)
	requester := &model.User{Username: "ivan", Email: "ivan@example.com",
		DisplayName: "ivan", PasswordHash: "x", Salt: "s", Status: "active"}
	target := &model.User{Username: "judy", Email: "judy@example.com",
		DisplayName: "judy", PasswordHash: "x", Salt: "s", Status: "active"}
	require.NoError(t, db.Create(requester).Error)
	require.NoError(t, db.Create(target).Error)

	sent := dispatch(t, r, &fakeSession{id: "s1", userID: requester.ID, ip: "10.0.0.1"},
		protocol.ActionFriendRequest, map[string]interface{}{"user_identifier": "judy"})
	require.True(t, sent.Success)

	// 目标方看到一条好友请求通知
	sess := &fakeSession{id: "s2", userID: target.ID, ip: "10.0.0.2"}
	resp := dispatch(t, r, sess, protocol.ActionNotificationList, nil)
	require.True(t, resp.Success)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out struct {
		Notifications []model.Notification `json:"notifications"`
		Total         int64                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.EqualValues(t, 1, out.Total)
	require.Len(t, out.Notifications, 1)
	assert.False(t, out.Notifications[0].IsRead)

	// 标记已读后落库生效
	resp = dispatch(t, r, sess, protocol.ActionNotificationMarkRead, map[string]interface{}{
		"notification_ids": []int64{out.Notifications[0].ID},
	})
	require.True(t, resp.Success)

	var row model.Notification
	require.NoError(t, db.First(&row, out.Notifications[0].ID).Error)
	assert.True(t, row.IsRead)
	assert.NotNil(t, row.ReadAt)

	// 缺参数在进服务层之前被挡下
	resp = dispatch(t, r, sess, protocol.ActionNotificationMarkRead, nil)
	assert.Equal(t, protocol.ErrInvalidParams, resp.ErrorCode)
}
