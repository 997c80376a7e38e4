package service

import (
	"fmt"
	"time"

	"qchat_server/model"

	"gorm.io/gorm"
)

// 通知类型
const (
	NotifyFriendRequest  = "friend_request"
	NotifyFriendAccepted = "friend_accepted"
	NotifyFriendRejected = "friend_rejected"
	NotifySystem         = "system"
)

// NotificationService 通知记录。好友请求的生命周期事件双方各写一行，
// 清除操作可按整条请求清（重新发起时），也可只清单侧（忽略时）。
// 写操作都带 tx 参数，由调用方的事务驱动。
type NotificationService struct {
	db *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// Create 在事务内写入一条通知
func (s *NotificationService) Create(tx *gorm.DB, n *model.Notification) error {
	if err := tx.Create(n).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// CreateFriendRequestPair 好友请求产生时为双方各写一行
func (s *NotificationService) CreateFriendRequestPair(tx *gorm.DB, req *model.FriendRequest, requester, target *model.UserBrief) error {
	content := req.Message
	rows := []model.Notification{
		{
			UserID:    req.TargetID,
			Type:      NotifyFriendRequest,
			RequestID: &req.ID,
			Title:     fmt.Sprintf("%s sent you a friend request", requester.DisplayName),
			Content:   &content,
		},
		{
			UserID:    req.RequesterID,
			Type:      NotifyFriendRequest,
			RequestID: &req.ID,
			Title:     fmt.Sprintf("Friend request sent to %s", target.DisplayName),
		},
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("create friend request notifications: %w", err)
	}
	return nil
}

// PurgeByRequest 清除整条好友请求关联的全部通知（双方）。
// 用于过期请求被新请求替换时的全量清理。
func (s *NotificationService) PurgeByRequest(tx *gorm.DB, requestID int64) error {
	if err := tx.Where("request_id = ?", requestID).
		Delete(&model.Notification{}).Error; err != nil {
		return fmt.Errorf("purge notifications for request %d: %w", requestID, err)
	}
	return nil
}

// PurgeOneSide 只清除单侧用户在某条请求下的通知，保留对方记录
func (s *NotificationService) PurgeOneSide(tx *gorm.DB, requestID, userID int64) error {
	if err := tx.Where("request_id = ? AND user_id = ?", requestID, userID).
		Delete(&model.Notification{}).Error; err != nil {
		return fmt.Errorf("purge one-side notifications: %w", err)
	}
	return nil
}

// List 分页查询用户通知（倒序）
func (s *NotificationService) List(userID int64, page, pageSize int) ([]model.Notification, int64, *Error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := s.db.Model(&model.Notification{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, Internal(err)
	}

	var rows []model.Notification
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, Internal(err)
	}
	return rows, total, nil
}

// MarkRead 标记通知已读（幂等）
func (s *NotificationService) MarkRead(userID int64, notificationIDs []int64) *Error {
	if len(notificationIDs) == 0 {
		return nil
	}
	now := time.Now()
	if err := s.db.Model(&model.Notification{}).
		Where("id IN ? AND user_id = ? AND is_read = ?", notificationIDs, userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now}).Error; err != nil {
		return Internal(err)
	}
	return nil
}
