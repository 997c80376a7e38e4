package handler

import (
	"strconv"
	"time"

	"qchat_server/middleware"
	"qchat_server/ratelimit"
	"qchat_server/server"
	"qchat_server/service"
	"qchat_server/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler 运维管理接口：健康检查、指标、在线会话管理与限流观测。
// 除健康检查与指标外均需管理员令牌。
type AdminHandler struct {
	dispatcher *server.Dispatcher
	limiter    *ratelimit.Limiter
	queue      *service.OfflineQueue
	pool       *server.WorkerPool
	presence   *service.PresenceService
}

func NewAdminHandler(d *server.Dispatcher, l *ratelimit.Limiter, q *service.OfflineQueue,
	p *server.WorkerPool, presence *service.PresenceService) *AdminHandler {
	return &AdminHandler{
		dispatcher: d,
		limiter:    l,
		queue:      q,
		pool:       p,
		presence:   presence,
	}
}

// SetupRoutes 注册全部 HTTP 路由
func (h *AdminHandler) SetupRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", server.WSGatewayHandler(h.dispatcher))

	admin := r.Group("/admin", middleware.AuthMiddleware())
	{
		admin.GET("/online", h.OnlineUsers)
		admin.GET("/ratelimit", h.RateLimitStats)
		admin.POST("/ratelimit/reset/:identifier", h.RateLimitReset)
		admin.POST("/kick/:user_id", h.KickUser)
		admin.GET("/offline_queue/:user_id", h.OfflineQueueDepth)
		admin.POST("/offline_queue/purge", h.PurgeOfflineQueue)
	}
}

// Health 健康检查
func (h *AdminHandler) Health(c *gin.Context) {
	utils.SuccessResponse(c, gin.H{
		"status":      "ok",
		"sessions":    h.dispatcher.SessionCount(),
		"worker_load": h.pool.Loads(),
	})
}

// OnlineUsers 在线用户列表
func (h *AdminHandler) OnlineUsers(c *gin.Context) {
	utils.SuccessResponse(c, gin.H{
		"users": h.dispatcher.OnlineUsers(),
	})
}

// RateLimitStats 限流桶观测快照
func (h *AdminHandler) RateLimitStats(c *gin.Context) {
	utils.SuccessResponse(c, h.limiter.Stats())
}

// RateLimitReset 清空指定 identifier 的限流状态
func (h *AdminHandler) RateLimitReset(c *gin.Context) {
	identifier := c.Param("identifier")
	if identifier == "" {
		utils.BadRequest(c, "identifier is required")
		return
	}
	n := h.limiter.Reset(identifier)
	utils.SuccessResponse(c, gin.H{"buckets_cleared": n})
}

// KickUser 强制断开用户连接并置为离线
func (h *AdminHandler) KickUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		utils.BadRequest(c, "invalid user_id")
		return
	}
	kicked := h.dispatcher.KickUser(userID, "kicked by administrator")
	if !kicked {
		// 会话可能挂在别的实例上，保险起见仍然翻转状态
		h.presence.UserOffline(userID)
	}
	utils.SuccessResponse(c, gin.H{"kicked": kicked})
}

// OfflineQueueDepth 用户离线队列深度
func (h *AdminHandler) OfflineQueueDepth(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		utils.BadRequest(c, "invalid user_id")
		return
	}
	utils.SuccessResponse(c, gin.H{"pending": h.queue.PendingCount(userID)})
}

// PurgeOfflineQueue 清理 7 天前已投递的队列条目
func (h *AdminHandler) PurgeOfflineQueue(c *gin.Context) {
	purged := h.queue.PurgeDelivered(time.Now().AddDate(0, 0, -7))
	utils.SuccessResponse(c, gin.H{"purged": purged})
}
