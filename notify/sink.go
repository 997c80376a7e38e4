package notify

import (
	"qchat_server/logger"

	"go.uber.org/zap"
)

// Sink 外部通知出口（如邮件网关）。核心只调用该接口，不关心投递实现。
type Sink interface {
	// SendVerificationCode 投递注册/找回验证码
	SendVerificationCode(email, code string) error
}

// LogSink 开发环境实现：只记录日志，不做真实投递
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) SendVerificationCode(email, code string) error {
	logger.L().Info("verification code issued",
		zap.String("email", email), zap.String("code", code))
	return nil
}
