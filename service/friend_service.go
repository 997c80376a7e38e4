package service

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"qchat_server/logger"
	"qchat_server/metrics"
	"qchat_server/model"
	"qchat_server/protocol"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FriendService 好友图谱：请求生命周期、关系维护、分组与搜索。
// 所有多行写入都在事务内完成，半写状态对外不可见。
type FriendService struct {
	db            *gorm.DB
	users         *UserService
	notifications *NotificationService
	queue         *OfflineQueue
	cache         *SearchCache

	presence *PresenceService
	pusher   Pusher
}

func NewFriendService(db *gorm.DB, users *UserService, notifications *NotificationService, queue *OfflineQueue, cache *SearchCache) *FriendService {
	return &FriendService{
		db:            db,
		users:         users,
		notifications: notifications,
		queue:         queue,
		cache:         cache,
	}
}

// SetPusher 注入推送能力
func (s *FriendService) SetPusher(p Pusher) {
	s.pusher = p
}

// SetPresence 注入在线状态查询
func (s *FriendService) SetPresence(p *PresenceService) {
	s.presence = p
}

// pushOrQueue 在线立即推送，失败或离线则进离线队列。
// 推送失败从不上抛——触发方的请求结果与投递结果解耦。
func (s *FriendService) pushOrQueue(userID int64, action string, data interface{}, priority int, messageRef string) {
	if s.presence != nil && s.presence.IsUserOnline(userID) {
		if pushToUser(s.pusher, userID, action, data) {
			return
		}
		metrics.PushFailures.Inc()
	}
	if err := s.queue.Enqueue(userID, action, data, priority, messageRef); err != nil {
		logger.L().Error("enqueue offline push failed",
			zap.Int64("user_id", userID), zap.String("action", action), zap.Error(err))
	}
}

// SendFriendRequest 发起好友请求
func (s *FriendService) SendFriendRequest(from int64, p protocol.FriendRequestPayload) (*model.FriendRequestView, *Error) {
	// 1. 解析目标用户
	target, serr := s.users.FindUserByIdentifier(p.UserIdentifier)
	if serr != nil {
		return nil, serr
	}
	if target.ID == from {
		return nil, NewError(CodeSelfRequest, "cannot send a friend request to yourself")
	}

	requester, serr := s.users.GetUserBrief(from)
	if serr != nil {
		return nil, serr
	}

	// 2. 检查既有关系行
	var edges []model.Friendship
	if err := s.db.Where(
		"(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
		from, target.ID, target.ID, from,
	).Find(&edges).Error; err != nil {
		return nil, Internal(err)
	}
	var tombstones []int64
	for _, e := range edges {
		switch e.Status {
		case model.FriendshipAccepted:
			return nil, NewError(CodeAlreadyFriends, "already friends with %s", target.Username)
		case model.FriendshipBlocked:
			return nil, NewError(CodeUserBlocked, "request not allowed")
		case model.FriendshipDeleted:
			tombstones = append(tombstones, e.ID)
		}
	}

	// 3. 检查既有请求：终态旧行清除后允许重新发起，pending 拒绝重复
	var existing []model.FriendRequest
	if err := s.db.Where(
		"(requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?)",
		from, target.ID, target.ID, from,
	).Find(&existing).Error; err != nil {
		return nil, Internal(err)
	}
	var stale []int64
	for i := range existing {
		r := &existing[i]
		if r.RequesterStatus == model.DecisionAccepted && r.TargetStatus == model.DecisionAccepted {
			return nil, NewError(CodeAlreadyFriends, "already friends with %s", target.Username)
		}
		if staleDecision(r.RequesterStatus) || staleDecision(r.TargetStatus) {
			// 历史上的拒绝/忽略/撤销不应永久阻塞新请求
			stale = append(stale, r.ID)
			continue
		}
		if r.RequesterStatus == model.DecisionPending || r.TargetStatus == model.DecisionPending {
			return nil, NewError(CodeAlreadyRequested, "a pending request already exists")
		}
	}

	// 4. 事务：清理旧行，写入新请求 + 双方通知
	req := &model.FriendRequest{
		RequesterID:     from,
		TargetID:        target.ID,
		Message:         p.Message,
		RequesterStatus: model.DecisionPending,
		TargetStatus:    model.DecisionPending,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range stale {
			if err := s.notifications.PurgeByRequest(tx, id); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			if err := tx.Where("id IN ?", stale).Delete(&model.FriendRequest{}).Error; err != nil {
				return fmt.Errorf("purge stale requests: %w", err)
			}
		}
		if len(tombstones) > 0 {
			if err := tx.Where("id IN ?", tombstones).Delete(&model.Friendship{}).Error; err != nil {
				return fmt.Errorf("purge friendship tombstones: %w", err)
			}
		}

		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("create friend request: %w", err)
		}

		// 清掉历史遗留的 pending 边（被忽略/拒绝的旧请求留下的），再建新边
		if err := tx.Where("user_id = ? AND friend_id = ? AND status = ?",
			from, target.ID, model.FriendshipPending).
			Delete(&model.Friendship{}).Error; err != nil {
			return fmt.Errorf("drop leftover pending edge: %w", err)
		}

		// 请求方的备注/分组先挂在自己的 pending 边上，接受时一并生效
		var groupID *int64
		if p.Group != "" {
			id, err := s.resolveGroupID(tx, from, p.Group)
			if err != nil {
				return err
			}
			groupID = id
		}
		edge := &model.Friendship{
			UserID:   from,
			FriendID: target.ID,
			Status:   model.FriendshipPending,
			GroupID:  groupID,
		}
		if p.Note != "" {
			edge.Note = &p.Note
		}
		if err := tx.Create(edge).Error; err != nil {
			return fmt.Errorf("create pending edge: %w", err)
		}

		tb := target.Brief()
		return s.notifications.CreateFriendRequestPair(tx, req, requester, &tb)
	})
	if err != nil {
		return nil, Internal(err)
	}

	view := &model.FriendRequestView{
		FriendRequest: *req,
		Requester:     *requester,
		Target:        target.Brief(),
	}

	// 5. 推送给目标方（离线走高优先级队列）
	s.pushOrQueue(target.ID, protocol.PushFriendRequestNotification, view, model.OfflinePriorityRelation, "")

	logger.L().Info("friend request sent",
		zap.Int64("requester_id", from),
		zap.Int64("target_id", target.ID),
		zap.Int64("request_id", req.ID))
	return view, nil
}

func staleDecision(d model.Decision) bool {
	switch d {
	case model.DecisionRejected, model.DecisionIgnored, model.DecisionCancelled:
		return true
	}
	return false
}

// RespondToFriendRequest 目标方接受或拒绝请求。
// 接受时在同一事务内落双向 accepted 边并翻转双侧请求状态。
func (s *FriendService) RespondToFriendRequest(userID int64, p protocol.FriendResponsePayload) (*model.FriendRequestView, *Error) {
	var req model.FriendRequest
	if err := s.db.First(&req, p.RequestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(CodeRequestNotFound, "friend request %d not found", p.RequestID)
		}
		return nil, Internal(err)
	}
	if req.TargetID != userID {
		return nil, NewError(CodePermissionDenied, "request %d is not addressed to you", p.RequestID)
	}
	if req.TargetStatus != model.DecisionPending {
		return nil, NewError(CodeRequestNotFound, "request %d is no longer pending", p.RequestID)
	}

	now := time.Now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		decision := model.DecisionRejected
		if p.Accept {
			decision = model.DecisionAccepted
		}
		updates := map[string]interface{}{
			"requester_status": decision,
			"target_status":    decision,
			"responded_at":     now,
		}
		if p.Note != "" {
			updates["response_note"] = p.Note
		}

		var responseGroupID *int64
		if p.Accept && p.Group != "" {
			id, err := s.resolveGroupID(tx, userID, p.Group)
			if err != nil {
				return err
			}
			responseGroupID = id
			updates["response_group_id"] = *id
		}

		// 乐观并发控制：pending 条件写，并发响应只有一个生效
		result := tx.Model(&model.FriendRequest{}).
			Where("id = ? AND target_status = ?", req.ID, model.DecisionPending).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("flip request status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("request %d already handled", req.ID)
		}
		req.RequesterStatus = decision
		req.TargetStatus = decision
		req.RespondedAt = &now

		if !p.Accept {
			// 拒绝时回收请求方的 pending 边
			return tx.Where("user_id = ? AND friend_id = ? AND status = ?",
				req.RequesterID, req.TargetID, model.FriendshipPending).
				Delete(&model.Friendship{}).Error
		}

		// 请求方的 pending 边翻为 accepted（不存在则补建）
		forward := tx.Model(&model.Friendship{}).
			Where("user_id = ? AND friend_id = ?", req.RequesterID, req.TargetID).
			Updates(map[string]interface{}{
				"status":      model.FriendshipAccepted,
				"accepted_at": now,
			})
		if forward.Error != nil {
			return fmt.Errorf("accept forward edge: %w", forward.Error)
		}
		if forward.RowsAffected == 0 {
			if err := tx.Create(&model.Friendship{
				UserID:     req.RequesterID,
				FriendID:   req.TargetID,
				Status:     model.FriendshipAccepted,
				AcceptedAt: &now,
			}).Error; err != nil {
				return fmt.Errorf("create forward edge: %w", err)
			}
		}

		// 反向边同样先试更新（交叉请求可能留有旧边），缺失再补建
		reverseUpdates := map[string]interface{}{
			"status":      model.FriendshipAccepted,
			"accepted_at": now,
		}
		if responseGroupID != nil {
			reverseUpdates["group_id"] = *responseGroupID
		}
		if p.Note != "" {
			reverseUpdates["note"] = p.Note
		}
		backward := tx.Model(&model.Friendship{}).
			Where("user_id = ? AND friend_id = ?", req.TargetID, req.RequesterID).
			Updates(reverseUpdates)
		if backward.Error != nil {
			return fmt.Errorf("accept reverse edge: %w", backward.Error)
		}
		if backward.RowsAffected == 0 {
			reverse := &model.Friendship{
				UserID:     req.TargetID,
				FriendID:   req.RequesterID,
				Status:     model.FriendshipAccepted,
				GroupID:    responseGroupID,
				AcceptedAt: &now,
			}
			if p.Note != "" {
				reverse.Note = &p.Note
			}
			if err := tx.Create(reverse).Error; err != nil {
				return fmt.Errorf("create reverse edge: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, Internal(err)
	}

	requester, serr := s.users.GetUserBrief(req.RequesterID)
	if serr != nil {
		return nil, serr
	}
	target, serr := s.users.GetUserBrief(req.TargetID)
	if serr != nil {
		return nil, serr
	}
	view := &model.FriendRequestView{FriendRequest: req, Requester: *requester, Target: *target}

	// 通知请求方结果
	if p.Accept {
		s.pushOrQueue(req.RequesterID, protocol.PushFriendRequestAccepted, view, model.OfflinePriorityHigh, "")
	} else {
		s.pushOrQueue(req.RequesterID, protocol.PushFriendRequestRejected, view, model.OfflinePriorityRelation, "")
	}

	logger.L().Info("friend request responded",
		zap.Int64("request_id", req.ID),
		zap.Bool("accepted", p.Accept))
	return view, nil
}

// IgnoreFriendRequest 按调用方角色分三种行为：
//   - 请求方撤销自己的 pending 请求（双侧置 cancelled，清除全部通知）
//   - 目标方静默忽略 pending 请求（请求方无感知）
//   - 任一方清除已终态请求在自己侧的通知（对方记录保留）
func (s *FriendService) IgnoreFriendRequest(userID, requestID int64) *Error {
	var req model.FriendRequest
	if err := s.db.First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewError(CodeRequestNotFound, "friend request %d not found", requestID)
		}
		return Internal(err)
	}
	if req.RequesterID != userID && req.TargetID != userID {
		return NewError(CodePermissionDenied, "request %d does not involve you", requestID)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		switch {
		case userID == req.RequesterID && req.RequesterStatus == model.DecisionPending:
			if err := tx.Model(&model.FriendRequest{}).
				Where("id = ? AND requester_status = ?", req.ID, model.DecisionPending).
				Updates(map[string]interface{}{
					"requester_status": model.DecisionCancelled,
					"target_status":    model.DecisionCancelled,
				}).Error; err != nil {
				return fmt.Errorf("cancel request: %w", err)
			}
			// 撤销时连同请求方的 pending 边一起清掉
			if err := tx.Where("user_id = ? AND friend_id = ? AND status = ?",
				req.RequesterID, req.TargetID, model.FriendshipPending).
				Delete(&model.Friendship{}).Error; err != nil {
				return fmt.Errorf("drop pending edge: %w", err)
			}
			return s.notifications.PurgeByRequest(tx, req.ID)

		case userID == req.TargetID && req.TargetStatus == model.DecisionPending:
			if err := tx.Model(&model.FriendRequest{}).
				Where("id = ?", req.ID).
				Update("target_status", model.DecisionIgnored).Error; err != nil {
				return fmt.Errorf("ignore request: %w", err)
			}
			return s.notifications.PurgeOneSide(tx, req.ID, userID)

		default:
			return s.notifications.PurgeOneSide(tx, req.ID, userID)
		}
	})
	if err != nil {
		return Internal(err)
	}
	return nil
}

// RemoveFriend 解除好友关系：双向边置墓碑、级联物理删除双方消息与已读回执、
// 尽力清理请求历史。这是唯一会物理删除消息的操作。
func (s *FriendService) RemoveFriend(userID, friendID int64) *Error {
	var edge model.Friendship
	err := s.db.Where("user_id = ? AND friend_id = ? AND status = ?",
		userID, friendID, model.FriendshipAccepted).First(&edge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewError(CodeNotFriends, "user %d is not your friend", friendID)
		}
		return Internal(err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 1. 双向边置墓碑，允许未来重新加回
		if err := tx.Model(&model.Friendship{}).
			Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
				userID, friendID, friendID, userID).
			Updates(map[string]interface{}{
				"status":   model.FriendshipDeleted,
				"group_id": nil,
				"note":     nil,
			}).Error; err != nil {
			return fmt.Errorf("tombstone edges: %w", err)
		}

		// 2. 级联删除双方消息与已读回执
		var msgIDs []string
		if err := tx.Model(&model.Message{}).
			Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
				userID, friendID, friendID, userID).
			Pluck("message_id", &msgIDs).Error; err != nil {
			return fmt.Errorf("collect pair messages: %w", err)
		}
		if len(msgIDs) > 0 {
			if err := tx.Where("message_id IN ?", msgIDs).
				Delete(&model.MessageRead{}).Error; err != nil {
				return fmt.Errorf("cascade delete read rows: %w", err)
			}
			if err := tx.Where("message_id IN ?", msgIDs).
				Delete(&model.Message{}).Error; err != nil {
				return fmt.Errorf("cascade delete messages: %w", err)
			}
			if err := tx.Where("message_ref IN ?", msgIDs).
				Delete(&model.OfflineMessage{}).Error; err != nil {
				return fmt.Errorf("cascade delete offline entries: %w", err)
			}
		}

		// 3. 尽力清理请求历史及其通知
		var reqIDs []int64
		if err := tx.Model(&model.FriendRequest{}).
			Where("(requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?)",
				userID, friendID, friendID, userID).
			Pluck("id", &reqIDs).Error; err != nil {
			return err
		}
		if len(reqIDs) > 0 {
			if err := tx.Where("request_id IN ?", reqIDs).
				Delete(&model.Notification{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", reqIDs).
				Delete(&model.FriendRequest{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Internal(err)
	}

	s.pushOrQueue(friendID, protocol.PushFriendRemoved,
		map[string]interface{}{"user_id": userID}, model.OfflinePriorityHigh, "")

	logger.L().Info("friendship removed",
		zap.Int64("user_id", userID), zap.Int64("friend_id", friendID))
	return nil
}

// BlockUser 拉黑：本方向置 blocked，若原为好友则对方方向置墓碑
func (s *FriendService) BlockUser(userID, friendID int64) *Error {
	if userID == friendID {
		return NewError(CodeSelfRequest, "cannot block yourself")
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Friendship{}).
			Where("user_id = ? AND friend_id = ?", userID, friendID).
			Updates(map[string]interface{}{"status": model.FriendshipBlocked, "group_id": nil})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.Create(&model.Friendship{
				UserID:   userID,
				FriendID: friendID,
				Status:   model.FriendshipBlocked,
			}).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.Friendship{}).
			Where("user_id = ? AND friend_id = ? AND status = ?",
				friendID, userID, model.FriendshipAccepted).
			Update("status", model.FriendshipDeleted).Error
	})
	if err != nil {
		return Internal(err)
	}
	return nil
}

// UnblockUser 解除拉黑（删除 blocked 行，关系需重新发起请求建立）
func (s *FriendService) UnblockUser(userID, friendID int64) *Error {
	result := s.db.Where("user_id = ? AND friend_id = ? AND status = ?",
		userID, friendID, model.FriendshipBlocked).
		Delete(&model.Friendship{})
	if result.Error != nil {
		return Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return NewError(CodeNotFriends, "user %d is not blocked", friendID)
	}
	return nil
}

// AreFriends 双方是否为已接受好友。
// accepted 关系由事务保证双向成对，检查单向即可。
func (s *FriendService) AreFriends(a, b int64) (bool, error) {
	var count int64
	err := s.db.Model(&model.Friendship{}).
		Where("user_id = ? AND friend_id = ? AND status = ?", a, b, model.FriendshipAccepted).
		Count(&count).Error
	return count > 0, err
}

// AcceptedFriendIDs 全部已接受好友的用户 ID
func (s *FriendService) AcceptedFriendIDs(userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Model(&model.Friendship{}).
		Where("user_id = ? AND status = ?", userID, model.FriendshipAccepted).
		Pluck("friend_id", &ids).Error
	return ids, err
}

// GetFriendList 好友列表（附分组名与在线状态）
func (s *FriendService) GetFriendList(userID int64) ([]model.FriendEntry, *Error) {
	var edges []model.Friendship
	if err := s.db.Where("user_id = ? AND status = ?", userID, model.FriendshipAccepted).
		Find(&edges).Error; err != nil {
		return nil, Internal(err)
	}
	if len(edges) == 0 {
		return []model.FriendEntry{}, nil
	}

	ids := make([]int64, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.FriendID)
	}
	var users []model.User
	if err := s.db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, Internal(err)
	}
	userByID := make(map[int64]*model.User, len(users))
	for i := range users {
		userByID[users[i].ID] = &users[i]
	}

	var groups []model.FriendGroup
	if err := s.db.Where("owner_id = ?", userID).Find(&groups).Error; err != nil {
		return nil, Internal(err)
	}
	groupName := make(map[int64]string, len(groups))
	for _, g := range groups {
		groupName[g.ID] = g.Name
	}

	out := make([]model.FriendEntry, 0, len(edges))
	for _, e := range edges {
		u, ok := userByID[e.FriendID]
		if !ok {
			continue
		}
		entry := model.FriendEntry{
			UserBrief:        u.Brief(),
			Note:             e.Note,
			GroupID:          e.GroupID,
			FriendshipStatus: e.Status,
			AcceptedAt:       e.AcceptedAt,
			OnlineStatus:     string(model.PresenceOffline),
		}
		if e.GroupID != nil {
			if name, ok := groupName[*e.GroupID]; ok {
				entry.GroupName = &name
			}
		}
		if s.presence != nil {
			entry.OnlineStatus = string(s.presence.GetUserStatus(e.FriendID))
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetFriendRequests 与用户相关且尚未被本方清除的请求（收到的 pending 在前）
func (s *FriendService) GetFriendRequests(userID int64) ([]model.FriendRequestView, *Error) {
	var reqs []model.FriendRequest
	err := s.db.Where(
		"(target_id = ? AND target_status = ?) OR (requester_id = ? AND requester_status = ?)",
		userID, model.DecisionPending, userID, model.DecisionPending,
	).Order("requested_at DESC").Find(&reqs).Error
	if err != nil {
		return nil, Internal(err)
	}
	if len(reqs) == 0 {
		return []model.FriendRequestView{}, nil
	}
	// 收到的请求排在自己发出的前面，组内保持时间倒序
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].TargetID == userID && reqs[j].TargetID != userID
	})

	idSet := make(map[int64]struct{})
	for _, r := range reqs {
		idSet[r.RequesterID] = struct{}{}
		idSet[r.TargetID] = struct{}{}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	var users []model.User
	if err := s.db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, Internal(err)
	}
	briefs := make(map[int64]model.UserBrief, len(users))
	for i := range users {
		briefs[users[i].ID] = users[i].Brief()
	}

	out := make([]model.FriendRequestView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, model.FriendRequestView{
			FriendRequest: r,
			Requester:     briefs[r.RequesterID],
			Target:        briefs[r.TargetID],
		})
	}
	return out, nil
}

// SearchUsers 用户搜索：精确 ID > 精确用户名 > 前缀匹配。
// 结果经两级缓存（按 keyword+requester 维度），读多写少场景专用。
func (s *FriendService) SearchUsers(requesterID int64, keyword string, limit int) ([]model.UserBrief, *Error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, NewError(CodeInvalidParams, "keyword is required")
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	cacheKey := keyword + ":" + strconv.FormatInt(requesterID, 10)
	if hit, ok := s.cache.Get(cacheKey); ok {
		return hit, nil
	}

	seen := make(map[int64]struct{})
	out := make([]model.UserBrief, 0, limit)
	appendUser := func(u *model.User) {
		if u.ID == requesterID {
			return
		}
		if _, dup := seen[u.ID]; dup {
			return
		}
		seen[u.ID] = struct{}{}
		out = append(out, u.Brief())
	}

	// 1. 精确 ID
	if id, err := strconv.ParseInt(keyword, 10, 64); err == nil {
		var u model.User
		if err := s.db.First(&u, id).Error; err == nil {
			appendUser(&u)
		}
	}

	// 2. 精确用户名 / 邮箱
	var exact []model.User
	if err := s.db.Where("username = ? OR email = ?", keyword, strings.ToLower(keyword)).
		Limit(limit).Find(&exact).Error; err != nil {
		return nil, Internal(err)
	}
	for i := range exact {
		appendUser(&exact[i])
	}

	// 3. 前缀匹配
	if len(out) < limit {
		var prefix []model.User
		pattern := escapeLike(keyword) + "%"
		if err := s.db.Where("username LIKE ? OR display_name LIKE ?", pattern, pattern).
			Order("username ASC").
			Limit(limit - len(out)).
			Find(&prefix).Error; err != nil {
			return nil, Internal(err)
		}
		for i := range prefix {
			appendUser(&prefix[i])
		}
	}

	s.cache.Put(cacheKey, out)
	return out, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// GetGroups 用户的好友分组
func (s *FriendService) GetGroups(userID int64) ([]model.FriendGroup, *Error) {
	var groups []model.FriendGroup
	if err := s.db.Where("owner_id = ?", userID).
		Order("sort_order ASC, id ASC").Find(&groups).Error; err != nil {
		return nil, Internal(err)
	}
	return groups, nil
}

// CreateGroup 新建好友分组
func (s *FriendService) CreateGroup(userID int64, name string) (*model.FriendGroup, *Error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 50 {
		return nil, NewError(CodeInvalidParams, "group name must be 1-50 chars")
	}
	var count int64
	if err := s.db.Model(&model.FriendGroup{}).
		Where("owner_id = ? AND name = ?", userID, name).Count(&count).Error; err != nil {
		return nil, Internal(err)
	}
	if count > 0 {
		return nil, NewError(CodeInvalidParams, "group %q already exists", name)
	}
	group := &model.FriendGroup{OwnerID: userID, Name: name}
	if err := s.db.Create(group).Error; err != nil {
		return nil, Internal(err)
	}
	return group, nil
}

// DeleteGroup 删除分组并把组内好友移出分组
func (s *FriendService) DeleteGroup(userID, groupID int64) *Error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND owner_id = ?", groupID, userID).
			Delete(&model.FriendGroup{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&model.Friendship{}).
			Where("user_id = ? AND group_id = ?", userID, groupID).
			Update("group_id", nil).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewError(CodeGroupNotFound, "group %d not found", groupID)
	}
	if err != nil {
		return Internal(err)
	}
	return nil
}

// RenameGroup 重命名分组
func (s *FriendService) RenameGroup(userID, groupID int64, name string) *Error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 50 {
		return NewError(CodeInvalidParams, "group name must be 1-50 chars")
	}
	result := s.db.Model(&model.FriendGroup{}).
		Where("id = ? AND owner_id = ?", groupID, userID).
		Update("name", name)
	if result.Error != nil {
		return Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return NewError(CodeGroupNotFound, "group %d not found", groupID)
	}
	return nil
}

// MoveFriendToGroup 移动好友到分组；groupID 为 0 表示移出分组
func (s *FriendService) MoveFriendToGroup(userID, friendID, groupID int64) *Error {
	var target interface{}
	if groupID != 0 {
		var count int64
		if err := s.db.Model(&model.FriendGroup{}).
			Where("id = ? AND owner_id = ?", groupID, userID).Count(&count).Error; err != nil {
			return Internal(err)
		}
		if count == 0 {
			return NewError(CodeGroupNotFound, "group %d not found", groupID)
		}
		target = groupID
	}

	result := s.db.Model(&model.Friendship{}).
		Where("user_id = ? AND friend_id = ? AND status = ?",
			userID, friendID, model.FriendshipAccepted).
		Update("group_id", target)
	if result.Error != nil {
		return Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return NewError(CodeNotFriends, "user %d is not your friend", friendID)
	}
	return nil
}

// resolveGroupID 按名字解析分组，不存在则创建
func (s *FriendService) resolveGroupID(tx *gorm.DB, ownerID int64, name string) (*int64, error) {
	var group model.FriendGroup
	err := tx.Where("owner_id = ? AND name = ?", ownerID, name).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		group = model.FriendGroup{OwnerID: ownerID, Name: name}
		if err := tx.Create(&group).Error; err != nil {
			return nil, fmt.Errorf("create group %q: %w", name, err)
		}
		return &group.ID, nil
	}
	if err != nil {
		return nil, err
	}
	return &group.ID, nil
}
