package model

import (
	"encoding/json"
	"time"
)

// 离线推送优先级：数值越大越先投递
const (
	OfflinePriorityNormal   = 0 // 普通消息
	OfflinePriorityHigh     = 1 // 好友请求通过等高优先级事件
	OfflinePriorityRelation = 2 // 好友请求 / 拒绝通知
)

// OfflineMessage 离线推送队列表
// 目标用户不在线导致推送失败时入队；用户重连后按
// priority DESC, enqueued_at ASC 拉取，并以 delivered_at 标记消费，
// 重复拉取对已标记行幂等。
type OfflineMessage struct {
	ID          int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID      int64           `json:"user_id" gorm:"not null;index:idx_offline_user"`
	MessageRef  string          `json:"message_ref" gorm:"type:varchar(40);index"` // 关联消息 UUID，非消息类推送为空
	Action      string          `json:"action" gorm:"type:varchar(40);not null"`
	Payload     json.RawMessage `json:"payload" gorm:"type:text"`
	Priority    int             `json:"priority" gorm:"default:0;index:idx_offline_user"`
	EnqueuedAt  time.Time       `json:"enqueued_at" gorm:"autoCreateTime"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty" gorm:"index"`
}

func (OfflineMessage) TableName() string {
	return "offline_messages"
}
