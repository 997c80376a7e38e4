package model

import (
	"time"
)

// FriendshipStatus 好友关系状态
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipBlocked  FriendshipStatus = "blocked"
	// FriendshipDeleted 墓碑行：允许重新发起好友请求
	FriendshipDeleted FriendshipStatus = "deleted"
)

// Friendship 好友关系表（有向边）
// 约定：accepted 关系必须同时存在 A→B 与 B→A 两行且状态一致，
// 仅由 FriendService 在事务内维护。
type Friendship struct {
	ID         int64            `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID     int64            `json:"user_id" gorm:"not null;index:idx_friendship_pair,unique"`
	FriendID   int64            `json:"friend_id" gorm:"not null;index:idx_friendship_pair,unique"`
	Status     FriendshipStatus `json:"status" gorm:"type:varchar(20);not null;default:pending"`
	Note       *string          `json:"note,omitempty" gorm:"type:varchar(100)"` // 好友备注
	GroupID    *int64           `json:"group_id,omitempty" gorm:"index"`
	AcceptedAt *time.Time       `json:"accepted_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Friendship) TableName() string {
	return "friendships"
}

// FriendEntry 好友列表条目（关系行 + 对方用户投影 + 分组名）
type FriendEntry struct {
	UserBrief
	Note             *string          `json:"note,omitempty"`
	GroupID          *int64           `json:"group_id,omitempty"`
	GroupName        *string          `json:"group_name,omitempty"`
	FriendshipStatus FriendshipStatus `json:"friendship_status"`
	OnlineStatus     string           `json:"online_status"`
	AcceptedAt       *time.Time       `json:"accepted_at,omitempty"`
}
