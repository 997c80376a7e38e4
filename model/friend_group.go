package model

import (
	"time"
)

// FriendGroup 好友分组表
type FriendGroup struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID   int64     `json:"owner_id" gorm:"not null;index:idx_group_owner_name,unique"`
	Name      string    `json:"name" gorm:"type:varchar(50);not null;index:idx_group_owner_name,unique"`
	SortOrder int       `json:"sort_order" gorm:"default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (FriendGroup) TableName() string {
	return "friend_groups"
}
