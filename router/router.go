package router

import (
	"encoding/json"
	"strconv"

	"qchat_server/logger"
	"qchat_server/metrics"
	"qchat_server/middleware"
	"qchat_server/model"
	"qchat_server/protocol"
	"qchat_server/ratelimit"
	"qchat_server/service"

	"go.uber.org/zap"
)

// Session 路由层所见的连接会话。具体实现由连接层提供，
// 路由只依赖这组最小能力，避免反向依赖连接层。
type Session interface {
	// ID 连接级唯一标识
	ID() string
	// UserID 已认证用户 ID；未认证为 -1
	UserID() int64
	// Bind 认证成功后绑定用户（触发连接层注册与上线流程）
	Bind(userID int64, device string)
	// RemoteIP 对端 IP（限流标识用）
	RemoteIP() string
}

// Router 纯分发层：解码信封、限流、认证校验、路由到服务并统一转译错误。
// 自身无状态，除委托外不做任何 I/O。
type Router struct {
	limiter       *ratelimit.Limiter
	users         *service.UserService
	friends       *service.FriendService
	messages      *service.MessageService
	presence      *service.PresenceService
	notifications *service.NotificationService
}

func New(limiter *ratelimit.Limiter, users *service.UserService, friends *service.FriendService,
	messages *service.MessageService, presence *service.PresenceService,
	notifications *service.NotificationService) *Router {
	return &Router{
		limiter:       limiter,
		users:         users,
		friends:       friends,
		messages:      messages,
		presence:      presence,
		notifications: notifications,
	}
}

// 服务层结果码 → 线上错误码
var codeToWire = map[service.Code]string{
	service.CodeInvalidParams:    protocol.ErrInvalidParams,
	service.CodeAuthFailed:       protocol.ErrAuthFailed,
	service.CodeUserNotFound:     protocol.ErrUserNotFound,
	service.CodeRequestNotFound:  protocol.ErrRequestNotFnd,
	service.CodeGroupNotFound:    protocol.ErrGroupNotFound,
	service.CodeMessageNotFound:  protocol.ErrMsgNotFound,
	service.CodeAlreadyFriends:   protocol.ErrAlreadyFriends,
	service.CodeAlreadyRequested: protocol.ErrAlreadyReq,
	service.CodeSelfRequest:      protocol.ErrSelfRequest,
	service.CodeUserBlocked:      protocol.ErrUserBlocked,
	service.CodeNotFriends:       protocol.ErrNotFriends,
	service.CodePermissionDenied: protocol.ErrPermission,
	service.CodeRecallExpired:    protocol.ErrRecallExpired,
	service.CodeInternal:         protocol.ErrInternal,
}

func failFrom(req *protocol.Request, serr *service.Error) *protocol.Response {
	wire, ok := codeToWire[serr.Code]
	if !ok {
		wire = protocol.ErrInternal
	}
	if wire == protocol.ErrInternal {
		// 内部细节不出线，只记日志
		logger.L().Error("internal service error",
			zap.String("action", req.Action), zap.String("detail", serr.Message))
		return protocol.Fail(req, wire, "internal error")
	}
	return protocol.Fail(req, wire, serr.Message)
}

// 无需认证即可调用的动作
var openActions = map[string]bool{
	protocol.ActionLogin:          true,
	protocol.ActionRegister:       true,
	protocol.ActionSendVerifyCode: true,
}

// Dispatch 处理一条完整请求，返回编码好的响应体（不含帧头）。
// 任何输入都有响应——路由层不静默吞请求。
func (r *Router) Dispatch(sess Session, raw []byte) []byte {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		metrics.ProtocolViolations.Inc()
		return protocol.Fail(&protocol.Request{}, protocol.ErrInvalidParams, "malformed request body").Marshal()
	}
	if req.Action == "" {
		return protocol.Fail(&req, protocol.ErrInvalidParams, "action is required").Marshal()
	}

	// 1. 限流：认证后按用户维度，认证前按来源 IP
	userID := sess.UserID()
	identifier := sess.RemoteIP()
	if userID > 0 {
		identifier = "user:" + strconv.FormatInt(userID, 10)
	}
	if !r.limiter.CheckRateLimit(identifier, req.Action, userID) {
		metrics.RateLimitRejections.WithLabelValues(req.Action).Inc()
		return protocol.Fail(&req, protocol.ErrRateLimited, "too many requests, back off").Marshal()
	}

	// 2. 认证：支持请求携带会话令牌的懒绑定
	if userID <= 0 && req.SessionToken != "" {
		if id, err := middleware.ValidateToken(req.SessionToken); err == nil {
			sess.Bind(id, "")
			userID = id
		}
	}
	if userID <= 0 && !openActions[req.Action] {
		return protocol.Fail(&req, protocol.ErrAuthRequired, "authentication required").Marshal()
	}

	return r.route(sess, &req, userID).Marshal()
}

func (r *Router) route(sess Session, req *protocol.Request, userID int64) *protocol.Response {
	switch req.Action {

	case protocol.ActionLogin:
		var p protocol.LoginPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.Username == "" || p.Password == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "username and password are required")
		}
		result, serr := r.users.Login(p.Username, p.Password)
		if serr != nil {
			return failFrom(req, serr)
		}
		sess.Bind(result.User.ID, p.Device)
		return protocol.OK(req, result)

	case protocol.ActionRegister:
		var p protocol.RegisterPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.Username == "" || p.Email == "" || p.Password == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "username, email and password are required")
		}
		brief, serr := r.users.Register(p.Username, p.Email, p.Password, p.DisplayName, p.VerifyCode)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, brief)

	case protocol.ActionSendVerifyCode:
		var p protocol.SendVerifyCodePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.Email == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "email is required")
		}
		if serr := r.users.SendVerificationCode(p.Email); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionHeartbeat:
		r.presence.Heartbeat(userID)
		return protocol.OK(req, map[string]interface{}{"server_time": req.Timestamp})

	case protocol.ActionStatusUpdate:
		var p protocol.StatusUpdatePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.Status == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "status is required")
		}
		if serr := r.presence.UpdateUserStatus(userID, model.PresenceStatus(p.Status)); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionStatusGetFriends:
		statuses, serr := r.presence.GetFriendsStatuses(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, statuses)

	case protocol.ActionFriendRequest:
		var p protocol.FriendRequestPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.UserIdentifier == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "user_identifier is required")
		}
		view, serr := r.friends.SendFriendRequest(userID, p)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, view)

	case protocol.ActionFriendResponse:
		var p protocol.FriendResponsePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.RequestID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "request_id is required")
		}
		view, serr := r.friends.RespondToFriendRequest(userID, p)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, view)

	case protocol.ActionFriendIgnore:
		var p protocol.FriendIgnorePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.RequestID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "request_id is required")
		}
		if serr := r.friends.IgnoreFriendRequest(userID, p.RequestID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionFriendList:
		list, serr := r.friends.GetFriendList(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, list)

	case protocol.ActionFriendRequests:
		list, serr := r.friends.GetFriendRequests(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, list)

	case protocol.ActionFriendRemove:
		var p protocol.FriendRemovePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.FriendID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "friend_id is required")
		}
		if serr := r.friends.RemoveFriend(userID, p.FriendID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionFriendBlock, protocol.ActionFriendUnblock:
		var p protocol.FriendBlockPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.FriendID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "friend_id is required")
		}
		var serr *service.Error
		if req.Action == protocol.ActionFriendBlock {
			serr = r.friends.BlockUser(userID, p.FriendID)
		} else {
			serr = r.friends.UnblockUser(userID, p.FriendID)
		}
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionFriendSearch:
		var p protocol.FriendSearchPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.Keyword == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "keyword is required")
		}
		results, serr := r.friends.SearchUsers(userID, p.Keyword, p.Limit)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, results)

	case protocol.ActionFriendGroups:
		groups, serr := r.friends.GetGroups(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, groups)

	case protocol.ActionFriendGroupCreate:
		var p protocol.GroupCreatePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		group, serr := r.friends.CreateGroup(userID, p.Name)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, group)

	case protocol.ActionFriendGroupDelete:
		var p protocol.GroupDeletePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.GroupID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "group_id is required")
		}
		if serr := r.friends.DeleteGroup(userID, p.GroupID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionFriendGroupRename:
		var p protocol.GroupRenamePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.GroupID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "group_id is required")
		}
		if serr := r.friends.RenameGroup(userID, p.GroupID, p.Name); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionFriendGroupMove:
		var p protocol.GroupMovePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.FriendID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "friend_id is required")
		}
		if serr := r.friends.MoveFriendToGroup(userID, p.FriendID, p.GroupID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionNotificationList:
		var p protocol.NotificationListPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		rows, total, serr := r.notifications.List(userID, p.Page, p.PageSize)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, map[string]interface{}{
			"notifications": rows,
			"total":         total,
		})

	case protocol.ActionNotificationMarkRead:
		var p protocol.NotificationMarkReadPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if len(p.NotificationIDs) == 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "notification_ids is required")
		}
		if serr := r.notifications.MarkRead(userID, p.NotificationIDs); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionSendMessage:
		var p protocol.SendMessagePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.ReceiverID <= 0 || p.Content == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "receiver_id and content are required")
		}
		result, serr := r.messages.SendMessage(userID, p)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, result)

	case protocol.ActionGetChatHistory:
		var p protocol.ChatHistoryPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.PeerID <= 0 {
			return protocol.Fail(req, protocol.ErrInvalidParams, "peer_id is required")
		}
		msgs, serr := r.messages.GetChatHistory(userID, p.PeerID, p.Limit, p.Offset)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, msgs)

	case protocol.ActionGetChatSessions:
		sessions, serr := r.messages.GetChatSessions(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, sessions)

	case protocol.ActionMessageMarkRead:
		var p protocol.MarkReadPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.MessageID == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "message_id is required")
		}
		if serr := r.messages.MarkAsRead(userID, p.MessageID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionMessageUnreadCount:
		count, serr := r.messages.UnreadCount(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, map[string]int64{"unread_count": count})

	case protocol.ActionMessageOffline:
		entries, serr := r.messages.GetOfflineMessages(userID)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, entries)

	case protocol.ActionMessageDelete:
		var p protocol.MessageDeletePayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.MessageID == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "message_id is required")
		}
		if serr := r.messages.DeleteMessage(userID, p.MessageID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionMessageRecall:
		var p protocol.MessageRecallPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.MessageID == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "message_id is required")
		}
		if serr := r.messages.RecallMessage(userID, p.MessageID); serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, nil)

	case protocol.ActionMessageSearch:
		var p protocol.MessageSearchPayload
		if resp := bindData(req, &p); resp != nil {
			return resp
		}
		if p.Keyword == "" {
			return protocol.Fail(req, protocol.ErrInvalidParams, "keyword is required")
		}
		msgs, serr := r.messages.SearchMessages(userID, p)
		if serr != nil {
			return failFrom(req, serr)
		}
		return protocol.OK(req, msgs)

	default:
		return protocol.Fail(req, protocol.ErrInvalidAction, "unknown action: "+req.Action)
	}
}

// bindData 解码动作载荷；data 缺失按空对象处理，格式错误返回 INVALID_PARAMS
func bindData(req *protocol.Request, out interface{}) *protocol.Response {
	if len(req.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Data, out); err != nil {
		return protocol.Fail(req, protocol.ErrInvalidParams, "malformed data payload")
	}
	return nil
}
