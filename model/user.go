package model

import (
	"time"
)

// User 用户表
type User struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"type:varchar(50);uniqueIndex;not null"`
	Email        string    `json:"email" gorm:"type:varchar(100);uniqueIndex;not null"`
	DisplayName  string    `json:"display_name" gorm:"type:varchar(100)"`
	PasswordHash string    `json:"-" gorm:"type:varchar(100);not null"`
	Salt         string    `json:"-" gorm:"type:varchar(40);not null"`
	Avatar       *string   `json:"avatar,omitempty" gorm:"type:varchar(255)"`
	Status       string    `json:"status" gorm:"type:varchar(20);default:active"` // 'active' | 'disabled'
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}

// UserBrief 用户信息投影（服务层只持有这部分，不暴露凭据字段）
type UserBrief struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	Avatar      *string `json:"avatar,omitempty"`
}

// Brief 提取投影
func (u *User) Brief() UserBrief {
	return UserBrief{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
	}
}
