package model

import (
	"encoding/json"
	"time"
)

// DeliveryStatus 消息投递状态
type DeliveryStatus string

const (
	// DeliverySent 已落库，尚未确认推送到对端
	DeliverySent DeliveryStatus = "sent"
	// DeliveryDelivered 已推送到对端在线连接
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryRead 对端已读
	DeliveryRead DeliveryStatus = "read"
	// DeliveryFailed 推送失败或被发送方删除（软删除复用该状态）
	DeliveryFailed DeliveryStatus = "failed"
)

// Message 消息表
// 撤回是窗口期内的原地软编辑；删除是软状态变更。
// 仅好友关系解除会物理级联删除双方消息。
type Message struct {
	ID         int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID  string          `json:"message_id" gorm:"type:varchar(40);uniqueIndex;not null"` // 客户端可见 UUID
	SenderID   int64           `json:"sender_id" gorm:"not null;index:idx_message_pair"`
	ReceiverID int64           `json:"receiver_id" gorm:"not null;index:idx_message_pair"`
	Type       string          `json:"type" gorm:"type:varchar(20);not null;default:text"` // 'text' | 'image' | 'file' | 'emoji'
	Content    string          `json:"content" gorm:"type:text"`
	FileMeta   json.RawMessage `json:"file_meta,omitempty" gorm:"type:text"`
	Status     DeliveryStatus  `json:"status" gorm:"type:varchar(20);not null;default:sent;index"`
	IsRecalled bool            `json:"is_recalled" gorm:"default:false"`
	RecalledAt *time.Time      `json:"recalled_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at" gorm:"autoCreateTime;index"`
}

func (Message) TableName() string {
	return "messages"
}

// FileMetadata 文件类消息元数据
type FileMetadata struct {
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// MessageRead 已读回执记录表
type MessageRead struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID string    `json:"message_id" gorm:"type:varchar(40);not null;uniqueIndex:idx_read_msg_user"`
	UserID    int64     `json:"user_id" gorm:"not null;uniqueIndex:idx_read_msg_user"`
	ReadAt    time.Time `json:"read_at" gorm:"autoCreateTime"`
}

func (MessageRead) TableName() string {
	return "message_reads"
}

// ChatSession 会话列表条目（按对端聚合的最近消息视图）
type ChatSession struct {
	PeerID          int64     `json:"peer_id"`
	PeerUsername    string    `json:"peer_username"`
	PeerDisplayName string    `json:"peer_display_name"`
	LastMessageID   string    `json:"last_message_id"`
	LastContent     string    `json:"last_content"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int64     `json:"unread_count"`
}
