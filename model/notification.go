package model

import (
	"encoding/json"
	"time"
)

// Notification 通知表
// 好友请求生命周期为双方各写一行；IgnoreFriendRequest 的
// “仅清除自己的通知”分支只删除本方行，保留对方记录。
type Notification struct {
	ID        int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    int64           `json:"user_id" gorm:"not null;index"`
	Type      string          `json:"type" gorm:"type:varchar(40);not null"` // 'friend_request' | 'friend_accepted' | 'friend_rejected' | 'system'
	RequestID *int64          `json:"request_id,omitempty" gorm:"index"`     // 关联的好友请求
	Title     string          `json:"title" gorm:"type:varchar(200);not null"`
	Content   *string         `json:"content,omitempty" gorm:"type:text"`
	Metadata  json.RawMessage `json:"metadata,omitempty" gorm:"type:text"`
	IsRead    bool            `json:"is_read" gorm:"default:false"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

func (Notification) TableName() string {
	return "notifications"
}
