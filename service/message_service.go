package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qchat_server/logger"
	"qchat_server/metrics"
	"qchat_server/model"
	"qchat_server/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageService 一对一消息：发送、回执、撤回、历史与离线补投。
// 投递结果与请求结果解耦：推送失败不影响 SendMessage 的返回。
type MessageService struct {
	db      *gorm.DB
	friends *FriendService
	queue   *OfflineQueue

	recallWindow time.Duration
	clock        func() time.Time

	presence *PresenceService
	pusher   Pusher
}

func NewMessageService(db *gorm.DB, friends *FriendService, queue *OfflineQueue, recallWindow time.Duration) *MessageService {
	if recallWindow <= 0 {
		recallWindow = 120 * time.Second
	}
	return &MessageService{
		db:           db,
		friends:      friends,
		queue:        queue,
		recallWindow: recallWindow,
		clock:        time.Now,
	}
}

func (s *MessageService) SetPusher(p Pusher) {
	s.pusher = p
}

func (s *MessageService) SetPresence(p *PresenceService) {
	s.presence = p
}

// SetClock 注入时钟（单测用）
func (s *MessageService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SendResult 发送结果
type SendResult struct {
	MessageID string               `json:"message_id"`
	Status    model.DeliveryStatus `json:"status,omitempty"`
	CreatedAt *time.Time           `json:"created_at,omitempty"`
}

// SendMessage 发送消息。
// 非好友关系静默拒绝（返回空 message_id，不报错——不向非好友泄露关系信息）。
// 落库为 sent 后尝试即时推送：成功转 delivered，失败入离线队列且状态保持 sent。
func (s *MessageService) SendMessage(sender int64, p protocol.SendMessagePayload) (*SendResult, *Error) {
	if p.ReceiverID <= 0 || p.Content == "" {
		return nil, NewError(CodeInvalidParams, "receiver_id and content are required")
	}
	if p.Type == "" {
		p.Type = "text"
	}

	ok, err := s.friends.AreFriends(sender, p.ReceiverID)
	if err != nil {
		return nil, Internal(err)
	}
	if !ok {
		return &SendResult{MessageID: ""}, nil
	}

	msg := &model.Message{
		MessageID:  uuid.New().String(),
		SenderID:   sender,
		ReceiverID: p.ReceiverID,
		Type:       p.Type,
		Content:    p.Content,
		FileMeta:   p.FileMeta,
		Status:     model.DeliverySent,
		CreatedAt:  s.clock(),
	}
	if err := s.db.Create(msg).Error; err != nil {
		return nil, Internal(fmt.Errorf("persist message: %w", err))
	}
	metrics.MessagesSent.Inc()

	// 推送在落库事务之外：推送路径不得占用数据库连接
	delivered := false
	if s.presence != nil && s.presence.IsUserOnline(p.ReceiverID) {
		delivered = pushToUser(s.pusher, p.ReceiverID, protocol.PushNewMessage, msg)
	}
	if delivered {
		if err := s.db.Model(&model.Message{}).
			Where("message_id = ? AND status = ?", msg.MessageID, model.DeliverySent).
			Update("status", model.DeliveryDelivered).Error; err == nil {
			msg.Status = model.DeliveryDelivered
		}
		metrics.MessagesDelivered.Inc()
	} else {
		if err := s.queue.Enqueue(p.ReceiverID, protocol.PushNewMessage, msg,
			model.OfflinePriorityNormal, msg.MessageID); err != nil {
			logger.L().Error("enqueue offline message failed",
				zap.String("message_id", msg.MessageID), zap.Error(err))
		}
	}

	return &SendResult{
		MessageID: msg.MessageID,
		Status:    msg.Status,
		CreatedAt: &msg.CreatedAt,
	}, nil
}

// MarkAsRead 接收方确认已读。幂等：重复调用不报错也不重复通知发送方。
func (s *MessageService) MarkAsRead(userID int64, messageID string) *Error {
	msg, serr := s.loadMessage(messageID)
	if serr != nil {
		return serr
	}
	if msg.ReceiverID != userID {
		return NewError(CodePermissionDenied, "only the receiver can mark a message read")
	}
	if msg.Status == model.DeliveryRead {
		// 已读重入：no-op
		return nil
	}

	now := s.clock()
	var flipped bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Message{}).
			Where("message_id = ? AND status <> ?", messageID, model.DeliveryRead).
			Update("status", model.DeliveryRead)
		if result.Error != nil {
			return result.Error
		}
		flipped = result.RowsAffected > 0
		if !flipped {
			return nil
		}
		return tx.Create(&model.MessageRead{
			MessageID: messageID,
			UserID:    userID,
			ReadAt:    now,
		}).Error
	})
	if err != nil {
		return Internal(err)
	}

	// 只有真正发生转换才通知发送方；已读事件不做离线补投
	if flipped && s.presence != nil && s.presence.IsUserOnline(msg.SenderID) {
		pushToUser(s.pusher, msg.SenderID, protocol.PushMessageStatusUpdated, map[string]interface{}{
			"message_id": messageID,
			"status":     model.DeliveryRead,
			"read_by":    userID,
			"read_at":    now,
		})
	}
	return nil
}

// RecallMessage 撤回消息：仅发送方、限创建后窗口期内。
// 撤回是原地软编辑——正文清空、打撤回标记，行保留。
func (s *MessageService) RecallMessage(sender int64, messageID string) *Error {
	msg, serr := s.loadMessage(messageID)
	if serr != nil {
		return serr
	}
	if msg.SenderID != sender {
		return NewError(CodePermissionDenied, "only the sender can recall a message")
	}
	if msg.IsRecalled {
		return nil
	}
	now := s.clock()
	if now.Sub(msg.CreatedAt) > s.recallWindow {
		return NewError(CodeRecallExpired, "recall window (%s) has passed", s.recallWindow)
	}

	if err := s.db.Model(&model.Message{}).
		Where("message_id = ? AND is_recalled = ?", messageID, false).
		Updates(map[string]interface{}{
			"content":     "",
			"file_meta":   nil,
			"is_recalled": true,
			"recalled_at": now,
		}).Error; err != nil {
		return Internal(err)
	}

	// 撤回通知是尽力而为：对端离线时不补投，靠拉取历史看到撤回态
	if s.presence != nil && s.presence.IsUserOnline(msg.ReceiverID) {
		pushToUser(s.pusher, msg.ReceiverID, protocol.PushMessageRecalled, map[string]interface{}{
			"message_id":  messageID,
			"recalled_at": now,
		})
	}
	return nil
}

// DeleteMessage 发送方软删除：状态置 failed，正文保留（审计），行不移除
func (s *MessageService) DeleteMessage(sender int64, messageID string) *Error {
	msg, serr := s.loadMessage(messageID)
	if serr != nil {
		return serr
	}
	if msg.SenderID != sender {
		return NewError(CodePermissionDenied, "only the sender can delete a message")
	}
	if err := s.db.Model(&model.Message{}).
		Where("message_id = ?", messageID).
		Update("status", model.DeliveryFailed).Error; err != nil {
		return Internal(err)
	}
	return nil
}

// GetChatHistory 双人历史消息（时间倒序分页）
func (s *MessageService) GetChatHistory(userID, peerID int64, limit, offset int) ([]model.Message, *Error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var msgs []model.Message
	err := s.db.Where(
		"(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
		userID, peerID, peerID, userID,
	).Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, Internal(err)
	}
	return msgs, nil
}

// GetChatSessions 会话列表：按对端聚合，取最近一条消息与未读数
func (s *MessageService) GetChatSessions(userID int64) ([]model.ChatSession, *Error) {
	// 1. 近期消息在内存中按对端折叠（每会话只保留最新一条）
	var recent []model.Message
	err := s.db.Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(500).
		Find(&recent).Error
	if err != nil {
		return nil, Internal(err)
	}

	sessions := make([]model.ChatSession, 0)
	index := make(map[int64]int)
	for _, m := range recent {
		peer := m.SenderID
		if peer == userID {
			peer = m.ReceiverID
		}
		if _, ok := index[peer]; ok {
			continue
		}
		index[peer] = len(sessions)
		sessions = append(sessions, model.ChatSession{
			PeerID:        peer,
			LastMessageID: m.MessageID,
			LastContent:   m.Content,
			LastMessageAt: m.CreatedAt,
		})
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	// 2. 批量补未读数与对端信息
	peers := make([]int64, 0, len(sessions))
	for peer := range index {
		peers = append(peers, peer)
	}

	type unreadRow struct {
		SenderID int64
		Count    int64
	}
	var unread []unreadRow
	if err := s.db.Model(&model.Message{}).
		Select("sender_id, COUNT(*) AS count").
		Where("receiver_id = ? AND sender_id IN ? AND status IN ?",
			userID, peers, []model.DeliveryStatus{model.DeliverySent, model.DeliveryDelivered}).
		Group("sender_id").
		Scan(&unread).Error; err != nil {
		return nil, Internal(err)
	}
	for _, row := range unread {
		if i, ok := index[row.SenderID]; ok {
			sessions[i].UnreadCount = row.Count
		}
	}

	var users []model.User
	if err := s.db.Where("id IN ?", peers).Find(&users).Error; err != nil {
		return nil, Internal(err)
	}
	for i := range users {
		if j, ok := index[users[i].ID]; ok {
			sessions[j].PeerUsername = users[i].Username
			sessions[j].PeerDisplayName = users[i].DisplayName
		}
	}
	return sessions, nil
}

// UnreadCount 全部未读消息数
func (s *MessageService) UnreadCount(userID int64) (int64, *Error) {
	var count int64
	err := s.db.Model(&model.Message{}).
		Where("receiver_id = ? AND status IN ?",
			userID, []model.DeliveryStatus{model.DeliverySent, model.DeliveryDelivered}).
		Count(&count).Error
	if err != nil {
		return 0, Internal(err)
	}
	return count, nil
}

// OfflineEntry 离线补投条目（线上视图）
type OfflineEntry struct {
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// GetOfflineMessages 拉取并消费离线队列。
// 拉取即标记投递；崩溃后重拉对已标记行幂等（不重复投递）。
func (s *MessageService) GetOfflineMessages(userID int64) ([]OfflineEntry, *Error) {
	entries, err := s.queue.Drain(userID)
	if err != nil {
		return nil, Internal(err)
	}

	out := make([]OfflineEntry, 0, len(entries))
	msgRefs := make([]string, 0)
	for _, e := range entries {
		out = append(out, OfflineEntry{
			Action:     e.Action,
			Payload:    e.Payload,
			Priority:   e.Priority,
			EnqueuedAt: e.EnqueuedAt,
		})
		if e.MessageRef != "" {
			msgRefs = append(msgRefs, e.MessageRef)
		}
	}

	// 队列投递即视为消息送达
	if len(msgRefs) > 0 {
		if err := s.db.Model(&model.Message{}).
			Where("message_id IN ? AND status = ?", msgRefs, model.DeliverySent).
			Update("status", model.DeliveryDelivered).Error; err != nil {
			logger.L().Error("mark queued messages delivered failed", zap.Error(err))
		}
	}
	return out, nil
}

// SearchMessages 按关键词检索与自己相关的消息（可限定对端）
func (s *MessageService) SearchMessages(userID int64, p protocol.MessageSearchPayload) ([]model.Message, *Error) {
	keyword := strings.TrimSpace(p.Keyword)
	if keyword == "" {
		return nil, NewError(CodeInvalidParams, "keyword is required")
	}
	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	query := s.db.Where("(sender_id = ? OR receiver_id = ?)", userID, userID).
		Where("is_recalled = ?", false).
		Where("content LIKE ?", "%"+escapeLike(keyword)+"%")
	if p.PeerID != nil {
		query = query.Where("(sender_id = ? OR receiver_id = ?)", *p.PeerID, *p.PeerID)
	}

	var msgs []model.Message
	if err := query.Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error; err != nil {
		return nil, Internal(err)
	}
	return msgs, nil
}

func (s *MessageService) loadMessage(messageID string) (*model.Message, *Error) {
	if messageID == "" {
		return nil, NewError(CodeInvalidParams, "message_id is required")
	}
	var msg model.Message
	if err := s.db.Where("message_id = ?", messageID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(CodeMessageNotFound, "message %s not found", messageID)
		}
		return nil, Internal(err)
	}
	return &msg, nil
}
