package server

import (
	"net/http"

	"qchat_server/logger"
	"qchat_server/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// 鉴权走会话令牌，不依赖 Origin
		return true
	},
}

// WSGatewayHandler WebSocket 网关：浏览器客户端经此接入，
// 协议载荷与 TCP 通路完全一致。支持 ?token= 预认证，
// 未带令牌的连接与 TCP 一样走 login 动作认证。
func WSGatewayHandler(d *Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.L().Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		s := d.Adopt(newWSTransport(conn))
		if s == nil {
			return
		}

		if token := c.Query("token"); token != "" {
			if userID, err := middleware.ValidateToken(token); err == nil {
				s.Bind(userID, c.Query("device"))
			}
		}
	}
}
