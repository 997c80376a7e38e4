package service

import (
	"fmt"
)

// Code 服务层类型化结果码。服务方法返回 (载荷, *Error) 而不是裸 error，
// 由路由层统一翻译成线上错误码——服务内部不感知线协议。
type Code string

const (
	CodeInvalidParams    Code = "invalid_params"
	CodeAuthFailed       Code = "auth_failed"
	CodeUserNotFound     Code = "user_not_found"
	CodeRequestNotFound  Code = "request_not_found"
	CodeGroupNotFound    Code = "group_not_found"
	CodeMessageNotFound  Code = "message_not_found"
	CodeAlreadyFriends   Code = "already_friends"
	CodeAlreadyRequested Code = "already_requested"
	CodeSelfRequest      Code = "self_request"
	CodeUserBlocked      Code = "user_blocked"
	CodeNotFriends       Code = "not_friends"
	CodePermissionDenied Code = "permission_denied"
	CodeRecallExpired    Code = "recall_expired"
	// CodeInternal 基础设施故障（数据库、连接池耗尽等）。
	// 推送类故障不走该码：推送失败回落离线队列，不向调用方暴露。
	CodeInternal Code = "internal"
)

// Error 类型化服务错误
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError 构造服务错误
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal 包装基础设施错误
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}
