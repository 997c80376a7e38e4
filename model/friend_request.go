package model

import (
	"time"
)

// Decision 好友请求单侧状态
// 请求双方各自独立维护一份状态（请求方可撤销、目标方可忽略），
// 因此不能折叠成单一状态字段。
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionAccepted  Decision = "accepted"
	DecisionRejected  Decision = "rejected"
	DecisionIgnored   Decision = "ignored"
	DecisionCancelled Decision = "cancelled"
)

// Terminal 是否为终态
func (d Decision) Terminal() bool {
	return d != DecisionPending
}

// FriendRequest 好友请求表
// 不变式：任意有序用户对之间同一时刻至多存在一条非终态（pending）请求；
// 终态请求保留用于审计与通知历史，直到任一方显式清除。
type FriendRequest struct {
	ID              int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	RequesterID     int64      `json:"requester_id" gorm:"not null;index:idx_request_pair"`
	TargetID        int64      `json:"target_id" gorm:"not null;index:idx_request_pair"`
	Message         string     `json:"message" gorm:"type:varchar(200)"`
	RequesterStatus Decision   `json:"requester_status" gorm:"type:varchar(20);not null;default:pending"`
	TargetStatus    Decision   `json:"target_status" gorm:"type:varchar(20);not null;default:pending"`
	RequestedAt     time.Time  `json:"requested_at" gorm:"autoCreateTime"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	ResponseNote    *string    `json:"response_note,omitempty" gorm:"type:varchar(100)"`
	ResponseGroupID *int64     `json:"response_group_id,omitempty"`
}

func (FriendRequest) TableName() string {
	return "friend_requests"
}

// Overall 综合状态：双方都 accepted 才算 accepted；
// 任一侧仍 pending 即 pending；否则以先到达的终态为准。
func (r *FriendRequest) Overall() Decision {
	if r.RequesterStatus == DecisionAccepted && r.TargetStatus == DecisionAccepted {
		return DecisionAccepted
	}
	if r.RequesterStatus == DecisionPending || r.TargetStatus == DecisionPending {
		return DecisionPending
	}
	if r.TargetStatus != DecisionPending && r.TargetStatus != DecisionAccepted {
		return r.TargetStatus
	}
	return r.RequesterStatus
}

// PendingFor 指定用户视角下请求是否仍待处理
func (r *FriendRequest) PendingFor(userID int64) bool {
	if userID == r.RequesterID {
		return r.RequesterStatus == DecisionPending
	}
	if userID == r.TargetID {
		return r.TargetStatus == DecisionPending
	}
	return false
}

// FriendRequestView 好友请求视图（附双方用户投影）
type FriendRequestView struct {
	FriendRequest
	Requester UserBrief `json:"requester"`
	Target    UserBrief `json:"target"`
}
