package model

import (
	"time"
)

// PresenceStatus 在线状态
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceOffline   PresenceStatus = "offline"
	PresenceAway      PresenceStatus = "away"
	PresenceBusy      PresenceStatus = "busy"
	PresenceInvisible PresenceStatus = "invisible"
)

// Valid 状态值是否合法
func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceBusy, PresenceInvisible:
		return true
	}
	return false
}

// Visible 对好友可见的状态：invisible 对外展示为 offline
func (p PresenceStatus) Visible() PresenceStatus {
	if p == PresenceInvisible {
		return PresenceOffline
	}
	return p
}

// UserStatus 用户状态持久化表（崩溃恢复用，权威副本）
type UserStatus struct {
	UserID   int64          `json:"user_id" gorm:"primaryKey"`
	Status   PresenceStatus `json:"status" gorm:"type:varchar(20);not null;default:offline"`
	LastSeen time.Time      `json:"last_seen"`
	ClientID string         `json:"client_id" gorm:"type:varchar(40)"`
	Device   string         `json:"device" gorm:"type:varchar(50)"`
	IP       string         `json:"ip" gorm:"type:varchar(45)"`
}

func (UserStatus) TableName() string {
	return "user_statuses"
}
