package service

import (
	"encoding/json"
	"fmt"
	"time"

	"qchat_server/logger"
	"qchat_server/metrics"
	"qchat_server/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OfflineQueue 离线推送队列：目标用户不在线时的兜底投递通道。
// 好友事件与消息推送共用；拉取端按 priority DESC, enqueued_at ASC 出队。
type OfflineQueue struct {
	db *gorm.DB
}

func NewOfflineQueue(db *gorm.DB) *OfflineQueue {
	return &OfflineQueue{db: db}
}

// Enqueue 入队一条离线推送
func (q *OfflineQueue) Enqueue(userID int64, action string, data interface{}, priority int, messageRef string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal offline payload: %w", err)
	}

	entry := &model.OfflineMessage{
		UserID:     userID,
		MessageRef: messageRef,
		Action:     action,
		Payload:    payload,
		Priority:   priority,
	}
	if err := q.db.Create(entry).Error; err != nil {
		return fmt.Errorf("enqueue offline message: %w", err)
	}
	metrics.MessagesQueued.Inc()
	return nil
}

// Drain 拉取并消费用户的全部未投递条目。
// 先读未投递行，再以 delivered_at IS NULL 为条件补标记——
// 崩溃后重拉时已标记的行不会被再次计为投递（幂等）。
func (q *OfflineQueue) Drain(userID int64) ([]model.OfflineMessage, error) {
	var entries []model.OfflineMessage
	err := q.db.Where("user_id = ? AND delivered_at IS NULL", userID).
		Order("priority DESC").
		Order("enqueued_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}

	if len(entries) == 0 {
		return entries, nil
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	now := time.Now()
	if err := q.db.Model(&model.OfflineMessage{}).
		Where("id IN ? AND delivered_at IS NULL", ids).
		Update("delivered_at", now).Error; err != nil {
		return nil, fmt.Errorf("mark offline queue delivered: %w", err)
	}

	return entries, nil
}

// PurgeDelivered 清理投递时间早于 before 的已消费条目
func (q *OfflineQueue) PurgeDelivered(before time.Time) int64 {
	result := q.db.Where("delivered_at IS NOT NULL AND delivered_at < ?", before).
		Delete(&model.OfflineMessage{})
	if result.Error != nil {
		logger.L().Error("purge offline queue failed", zap.Error(result.Error))
		return 0
	}
	return result.RowsAffected
}

// PendingCount 未投递条目数（管理接口用）
func (q *OfflineQueue) PendingCount(userID int64) int64 {
	var count int64
	q.db.Model(&model.OfflineMessage{}).
		Where("user_id = ? AND delivered_at IS NULL", userID).
		Count(&count)
	return count
}
