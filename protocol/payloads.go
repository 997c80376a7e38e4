package protocol

import (
	"encoding/json"
)

// 动作载荷定义。路由层负责解码与必填校验，服务层只见类型化结构。

type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Device   string `json:"device,omitempty"`
}

type RegisterPayload struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	VerifyCode  string `json:"verify_code,omitempty"`
}

type SendVerifyCodePayload struct {
	Email string `json:"email"`
}

type StatusUpdatePayload struct {
	Status string `json:"status"`
}

type FriendRequestPayload struct {
	// 数字 ID、用户名或邮箱均可
	UserIdentifier string `json:"user_identifier"`
	Message        string `json:"message,omitempty"`
	Note           string `json:"note,omitempty"`
	Group          string `json:"group,omitempty"`
}

type FriendResponsePayload struct {
	RequestID int64  `json:"request_id"`
	Accept    bool   `json:"accept"`
	Note      string `json:"note,omitempty"`
	Group     string `json:"group,omitempty"`
}

type FriendIgnorePayload struct {
	RequestID int64 `json:"request_id"`
}

type FriendRemovePayload struct {
	FriendID int64 `json:"friend_id"`
}

type FriendBlockPayload struct {
	FriendID int64 `json:"friend_id"`
}

type FriendSearchPayload struct {
	Keyword string `json:"keyword"`
	Limit   int    `json:"limit,omitempty"`
}

type GroupCreatePayload struct {
	Name string `json:"name"`
}

type GroupDeletePayload struct {
	GroupID int64 `json:"group_id"`
}

type GroupRenamePayload struct {
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}

type GroupMovePayload struct {
	FriendID int64 `json:"friend_id"`
	// 0 表示移出分组
	GroupID int64 `json:"group_id"`
}

type SendMessagePayload struct {
	ReceiverID int64           `json:"receiver_id"`
	Type       string          `json:"type,omitempty"`
	Content    string          `json:"content"`
	FileMeta   json.RawMessage `json:"file_meta,omitempty"`
}

type ChatHistoryPayload struct {
	PeerID int64 `json:"peer_id"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}

type MarkReadPayload struct {
	MessageID string `json:"message_id"`
}

type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

type MessageRecallPayload struct {
	MessageID string `json:"message_id"`
}

type MessageSearchPayload struct {
	Keyword string `json:"keyword"`
	PeerID  *int64 `json:"peer_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

type NotificationListPayload struct {
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

type NotificationMarkReadPayload struct {
	NotificationIDs []int64 `json:"notification_ids"`
}
