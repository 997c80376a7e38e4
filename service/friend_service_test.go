package service

import (
	"testing"

	"qchat_server/model"
	"qchat_server/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndAcceptFriendRequest_Symmetry(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	view, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{
		UserIdentifier: "bob",
		Message:        "hi, it's alice",
	})
	require.Nil(t, serr)
	assert.Equal(t, model.DecisionPending, view.FriendRequest.Overall())

	accepted, serr := f.friends.RespondToFriendRequest(b.ID, protocol.FriendResponsePayload{
		RequestID: view.FriendRequest.ID,
		Accept:    true,
	})
	require.Nil(t, serr)
	assert.Equal(t, model.DecisionAccepted, accepted.FriendRequest.RequesterStatus)
	assert.Equal(t, model.DecisionAccepted, accepted.FriendRequest.TargetStatus)

	// 好友关系必须双向对称
	ab, err := f.friends.AreFriends(a.ID, b.ID)
	require.NoError(t, err)
	ba, err := f.friends.AreFriends(b.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, ab)
	assert.True(t, ba)
}

func TestSendFriendRequest_ResolvesIdentifier(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	for _, identifier := range []string{"bob", "bob@example.com"} {
		_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{
			UserIdentifier: identifier,
		})
		if serr != nil {
			// 第二轮命中 pending 去重
			assert.Equal(t, CodeAlreadyRequested, serr.Code)
		}
	}

	_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{
		UserIdentifier: "nobody",
	})
	require.NotNil(t, serr)
	assert.Equal(t, CodeUserNotFound, serr.Code)

	_ = b
}

func TestSendFriendRequest_SelfAndDuplicate(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "alice"})
	require.NotNil(t, serr)
	assert.Equal(t, CodeSelfRequest, serr.Code)

	_, serr = f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)

	_, serr = f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.NotNil(t, serr)
	assert.Equal(t, CodeAlreadyRequested, serr.Code)

	f.makeFriendsFromPending(t, a, b)
	_, serr = f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.NotNil(t, serr)
	assert.Equal(t, CodeAlreadyFriends, serr.Code)
}

func TestRejectedRequestDoesNotBlockResend(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	view, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)

	_, serr = f.friends.RespondToFriendRequest(b.ID, protocol.FriendResponsePayload{
		RequestID: view.FriendRequest.ID,
		Accept:    false,
	})
	require.Nil(t, serr)

	ok, err := f.friends.AreFriends(a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// 历史拒绝不得永久阻塞新请求：旧行被清除后重新发起成功
	again, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)
	assert.Equal(t, model.DecisionPending, again.FriendRequest.Overall())

	var count int64
	f.db.Model(&model.FriendRequest{}).
		Where("requester_id = ? AND target_id = ?", a.ID, b.ID).
		Count(&count)
	assert.Equal(t, int64(1), count, "stale rejected row should be purged")
}

func TestIgnoreFriendRequest_Branches(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	// 目标方忽略：请求方视角仍是 pending
	view, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)
	require.Nil(t, f.friends.IgnoreFriendRequest(b.ID, view.FriendRequest.ID))

	var req model.FriendRequest
	require.NoError(t, f.db.First(&req, view.FriendRequest.ID).Error)
	assert.Equal(t, model.DecisionIgnored, req.TargetStatus)
	assert.Equal(t, model.DecisionPending, req.RequesterStatus)

	outgoing, serr := f.friends.GetFriendRequests(a.ID)
	require.Nil(t, serr)
	assert.Len(t, outgoing, 1, "requester still sees the pending request")

	// 被忽略的请求不阻塞重新发起
	again, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)

	// 请求方撤销：双侧置 cancelled
	require.Nil(t, f.friends.IgnoreFriendRequest(a.ID, again.FriendRequest.ID))
	req = model.FriendRequest{}
	require.NoError(t, f.db.First(&req, again.FriendRequest.ID).Error)
	assert.Equal(t, model.DecisionCancelled, req.RequesterStatus)
	assert.Equal(t, model.DecisionCancelled, req.TargetStatus)

	// 终态请求：任一方 ignore 只清自己的通知，记录保留
	require.Nil(t, f.friends.IgnoreFriendRequest(b.ID, again.FriendRequest.ID))
	assert.NoError(t, f.db.First(&req, again.FriendRequest.ID).Error)
}

func TestRespondToFriendRequest_Permission(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")
	c := f.createUser(t, "carol")

	view, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)

	_, serr = f.friends.RespondToFriendRequest(c.ID, protocol.FriendResponsePayload{
		RequestID: view.FriendRequest.ID,
		Accept:    true,
	})
	require.NotNil(t, serr)
	assert.Equal(t, CodePermissionDenied, serr.Code)

	_, serr = f.friends.RespondToFriendRequest(b.ID, protocol.FriendResponsePayload{
		RequestID: view.FriendRequest.ID,
		Accept:    true,
	})
	require.Nil(t, serr)

	// 已处理的请求不能二次响应
	_, serr = f.friends.RespondToFriendRequest(b.ID, protocol.FriendResponsePayload{
		RequestID: view.FriendRequest.ID,
		Accept:    false,
	})
	require.NotNil(t, serr)
}

func TestRemoveFriend_Cascade(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")
	f.makeFriends(t, a, b)

	result, serr := f.messages.SendMessage(a.ID, protocol.SendMessagePayload{
		ReceiverID: b.ID,
		Content:    "hello bob",
	})
	require.Nil(t, serr)
	require.NotEmpty(t, result.MessageID)
	require.Nil(t, f.messages.MarkAsRead(b.ID, result.MessageID))

	require.Nil(t, f.friends.RemoveFriend(a.ID, b.ID))

	ok, err := f.friends.AreFriends(a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	history, serr := f.messages.GetChatHistory(a.ID, b.ID, 50, 0)
	require.Nil(t, serr)
	assert.Empty(t, history, "removal cascades message deletion")

	var readRows int64
	f.db.Model(&model.MessageRead{}).Count(&readRows)
	assert.Zero(t, readRows)

	// 二次删除报 NotFriends
	serr = f.friends.RemoveFriend(a.ID, b.ID)
	require.NotNil(t, serr)
	assert.Equal(t, CodeNotFriends, serr.Code)
}

func TestBlockPreventsRequest(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	require.Nil(t, f.friends.BlockUser(b.ID, a.ID))

	_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.NotNil(t, serr)
	assert.Equal(t, CodeUserBlocked, serr.Code)

	require.Nil(t, f.friends.UnblockUser(b.ID, a.ID))
	_, serr = f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	assert.Nil(t, serr)
}

func TestFriendRequest_OfflineTargetQueued(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)

	assert.Equal(t, int64(1), f.queue.PendingCount(b.ID))

	var entry model.OfflineMessage
	require.NoError(t, f.db.Where("user_id = ?", b.ID).First(&entry).Error)
	assert.Equal(t, protocol.PushFriendRequestNotification, entry.Action)
	assert.Equal(t, model.OfflinePriorityRelation, entry.Priority)
}

func TestFriendRequest_OnlineTargetPushed(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")

	require.NoError(t, f.presence.UserOnline(b.ID, "client-b", "test", "127.0.0.1"))

	_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{UserIdentifier: "bob"})
	require.Nil(t, serr)

	assert.Equal(t, 1, f.pusher.pushes(b.ID, protocol.PushFriendRequestNotification))
	assert.Zero(t, f.queue.PendingCount(b.ID))
}

func TestFriendGroups_CRUDAndMove(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")
	f.makeFriends(t, a, b)

	group, serr := f.friends.CreateGroup(a.ID, "work")
	require.Nil(t, serr)

	_, serr = f.friends.CreateGroup(a.ID, "work")
	require.NotNil(t, serr, "duplicate group name rejected")

	require.Nil(t, f.friends.MoveFriendToGroup(a.ID, b.ID, group.ID))

	list, serr := f.friends.GetFriendList(a.ID)
	require.Nil(t, serr)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].GroupName)
	assert.Equal(t, "work", *list[0].GroupName)

	require.Nil(t, f.friends.RenameGroup(a.ID, group.ID, "team"))
	require.Nil(t, f.friends.DeleteGroup(a.ID, group.ID))

	list, serr = f.friends.GetFriendList(a.ID)
	require.Nil(t, serr)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].GroupID, "deleting a group detaches its members")

	serr = f.friends.DeleteGroup(a.ID, group.ID)
	require.NotNil(t, serr)
	assert.Equal(t, CodeGroupNotFound, serr.Code)
}

func TestSearchUsers_RankingAndCache(t *testing.T) {
	f := newFixture(t)
	me := f.createUser(t, "searcher")
	bob := f.createUser(t, "bob")
	f.createUser(t, "bobby")
	f.createUser(t, "bobcat")

	results, serr := f.friends.SearchUsers(me.ID, "bob", 10)
	require.Nil(t, serr)
	require.NotEmpty(t, results)
	assert.Equal(t, "bob", results[0].Username, "exact username ranks first")
	assert.Len(t, results, 3)

	// 第二次命中缓存，结果一致
	cached, serr := f.friends.SearchUsers(me.ID, "bob", 10)
	require.Nil(t, serr)
	assert.Equal(t, results, cached)

	byID, serr := f.friends.SearchUsers(me.ID, "42", 10)
	require.Nil(t, serr)
	_ = byID // 无该 ID 用户时允许为空

	_ = bob
}

// makeFriendsFromPending 已有 pending 请求时完成接受流程
func (f *fixture) makeFriendsFromPending(t *testing.T, a, b *model.User) {
	t.Helper()
	var req model.FriendRequest
	require.NoError(t, f.db.Where("requester_id = ? AND target_id = ?", a.ID, b.ID).
		Order("id DESC").First(&req).Error)
	_, serr := f.friends.RespondToFriendRequest(b.ID, protocol.FriendResponsePayload{
		RequestID: req.ID,
		Accept:    true,
	})
	require.Nil(t, serr)
}

func TestGetFriendRequests_ReceivedBeforeSent(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "alice")
	b := f.createUser(t, "bob")
	c := f.createUser(t, "carol")

	// 先收到 alice 的请求，再向 carol 发出请求（发出的更新）
	_, serr := f.friends.SendFriendRequest(a.ID, protocol.FriendRequestPayload{
		UserIdentifier: "bob",
	})
	require.Nil(t, serr)
	_, serr = f.friends.SendFriendRequest(b.ID, protocol.FriendRequestPayload{
		UserIdentifier: "carol",
	})
	require.Nil(t, serr)

	reqs, serr := f.friends.GetFriendRequests(b.ID)
	require.Nil(t, serr)
	require.Len(t, reqs, 2)

	// 收到的请求排在发出的前面，即使发出的时间更晚
	assert.Equal(t, b.ID, reqs[0].TargetID)
	assert.Equal(t, a.ID, reqs[0].RequesterID)
	assert.Equal(t, b.ID, reqs[1].RequesterID)
	assert.Equal(t, c.ID, reqs[1].TargetID)
}
