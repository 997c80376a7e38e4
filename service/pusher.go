package service

import (
	"qchat_server/protocol"
)

// Pusher 服务端主动推送能力。由连接分发器实现，
// 服务层构造完成后通过 Set 注入，打破构造期循环依赖。
type Pusher interface {
	// SendToUser 推送给指定用户；用户未连接或未认证返回 false
	SendToUser(userID int64, payload []byte) bool
	// Broadcast 推送给所有已认证会话
	Broadcast(payload []byte)
}

// pushToUser 编码并推送一条服务端事件
func pushToUser(p Pusher, userID int64, action string, data interface{}) bool {
	if p == nil {
		return false
	}
	return p.SendToUser(userID, protocol.Push(action, data).Marshal())
}
