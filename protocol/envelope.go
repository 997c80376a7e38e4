package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 客户端请求动作
const (
	ActionLogin            = "login"
	ActionRegister         = "register"
	ActionSendVerifyCode   = "send_verification_code"
	ActionHeartbeat        = "heartbeat"
	ActionStatusUpdate     = "status_update"
	ActionStatusGetFriends = "status_get_friends"

	ActionFriendRequest     = "friend_request"
	ActionFriendResponse    = "friend_response"
	ActionFriendIgnore      = "friend_ignore"
	ActionFriendList        = "friend_list"
	ActionFriendRequests    = "friend_requests"
	ActionFriendRemove      = "friend_remove"
	ActionFriendBlock       = "friend_block"
	ActionFriendUnblock     = "friend_unblock"
	ActionFriendSearch      = "friend_search"
	ActionFriendGroups      = "friend_groups"
	ActionFriendGroupCreate = "friend_group_create"
	ActionFriendGroupDelete = "friend_group_delete"
	ActionFriendGroupRename = "friend_group_rename"
	ActionFriendGroupMove   = "friend_group_move"

	ActionNotificationList     = "notification_list"
	ActionNotificationMarkRead = "notification_mark_read"

	ActionSendMessage        = "send_message"
	ActionGetChatHistory     = "get_chat_history"
	ActionGetChatSessions    = "get_chat_sessions"
	ActionMessageMarkRead    = "message_mark_read"
	ActionMessageUnreadCount = "message_unread_count"
	ActionMessageOffline     = "message_offline"
	ActionMessageDelete      = "message_delete"
	ActionMessageRecall      = "message_recall"
	ActionMessageSearch      = "message_search"
)

// 服务端主动推送动作
const (
	PushFriendRequestNotification = "friend_request_notification"
	PushFriendRequestAccepted     = "friend_request_accepted"
	PushFriendRequestRejected     = "friend_request_rejected"
	PushFriendStatusChanged       = "friend_status_changed"
	PushFriendRemoved             = "friend_removed"
	PushNewMessage                = "new_message"
	PushMessageStatusUpdated      = "message_status_updated"
	PushMessageRecalled           = "message_recalled"
	PushKicked                    = "kicked"
)

// 错误码
const (
	ErrInvalidParams  = "INVALID_PARAMS"
	ErrInvalidAction  = "INVALID_ACTION"
	ErrAuthRequired   = "AUTH_REQUIRED"
	ErrAuthFailed     = "AUTH_FAILED"
	ErrUserNotFound   = "USER_NOT_FOUND"
	ErrRequestNotFnd  = "REQUEST_NOT_FOUND"
	ErrGroupNotFound  = "GROUP_NOT_FOUND"
	ErrMsgNotFound    = "MESSAGE_NOT_FOUND"
	ErrAlreadyFriends = "ALREADY_FRIENDS"
	ErrAlreadyReq     = "ALREADY_REQUESTED"
	ErrSelfRequest    = "SELF_REQUEST"
	ErrUserBlocked    = "USER_BLOCKED"
	ErrNotFriends     = "NOT_FRIENDS"
	ErrPermission     = "PERMISSION_DENIED"
	ErrRateLimited    = "RATE_LIMITED"
	ErrRecallExpired  = "RECALL_EXPIRED"
	ErrProtocol       = "PROTOCOL_VIOLATION"
	ErrInternal       = "INTERNAL_ERROR"
)

// Request 请求信封。动作相关字段集中在 data，
// 在路由层一次性解码成类型化结构后再进入服务层。
type Request struct {
	Action       string          `json:"action"`
	RequestID    string          `json:"request_id"`
	Timestamp    int64           `json:"timestamp"`
	SessionToken string          `json:"session_token,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Response 响应信封
type Response struct {
	RequestID    string      `json:"request_id"`
	Action       string      `json:"action"`
	Success      bool        `json:"success"`
	Timestamp    int64       `json:"timestamp"`
	Data         interface{} `json:"data,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// OK 成功响应
func OK(req *Request, data interface{}) *Response {
	return &Response{
		RequestID: req.RequestID,
		Action:    req.Action,
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Fail 失败响应
func Fail(req *Request, code, message string) *Response {
	return &Response{
		RequestID:    req.RequestID,
		Action:       req.Action,
		Success:      false,
		Timestamp:    time.Now().UnixMilli(),
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// Push 服务端主动推送。复用响应信封，request_id 由服务端生成。
func Push(action string, data interface{}) *Response {
	return &Response{
		RequestID: uuid.New().String(),
		Action:    action,
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Marshal 紧凑 JSON 编码（协议禁止 pretty-print）
func (r *Response) Marshal() []byte {
	b, _ := json.Marshal(r)
	return b
}

// MarshalFrame 直接编码为带长度前缀的完整帧
func (r *Response) MarshalFrame() ([]byte, error) {
	return EncodeFrame(r.Marshal())
}
