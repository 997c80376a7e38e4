package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qchat_server/logger"
	"qchat_server/middleware"
	"qchat_server/model"
	"qchat_server/notify"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	verifyCodeTTL   = 5 * time.Minute
	verifyCodePre   = "verify_code:"
	sessionTokenTTL = 24 * time.Hour
)

// UserService 账号注册、登录与验证码
type UserService struct {
	db   *gorm.DB
	rdb  *redis.Client
	sink notify.Sink
}

func NewUserService(db *gorm.DB, rdb *redis.Client, sink notify.Sink) *UserService {
	return &UserService{db: db, rdb: rdb, sink: sink}
}

// LoginResult 登录结果
type LoginResult struct {
	User         model.UserBrief `json:"user"`
	SessionToken string          `json:"session_token"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Register 注册新用户。
// 需要先通过 SendVerificationCode 获取验证码；验证码一次性消费。
func (s *UserService) Register(username, email, password, displayName, code string) (*model.UserBrief, *Error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" || len(password) < 6 {
		return nil, NewError(CodeInvalidParams, "username, email and password (min 6 chars) are required")
	}

	// 1. 校验验证码
	if serr := s.consumeVerifyCode(email, code); serr != nil {
		return nil, serr
	}

	// 2. 唯一性检查
	var count int64
	if err := s.db.Model(&model.User{}).
		Where("username = ? OR email = ?", username, email).
		Count(&count).Error; err != nil {
		return nil, Internal(err)
	}
	if count > 0 {
		return nil, NewError(CodeInvalidParams, "username or email already taken")
	}

	// 3. 生成盐并哈希口令
	salt := randomSalt()
	hash, err := bcrypt.GenerateFromPassword([]byte(password+salt), bcrypt.DefaultCost)
	if err != nil {
		return nil, Internal(fmt.Errorf("hash password: %w", err))
	}

	if displayName == "" {
		displayName = username
	}
	user := &model.User{
		Username:     username,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Salt:         salt,
		Status:       "active",
	}
	if err := s.db.Create(user).Error; err != nil {
		return nil, Internal(fmt.Errorf("create user: %w", err))
	}

	logger.L().Info("user registered",
		zap.Int64("user_id", user.ID),
		zap.String("username", username))

	brief := user.Brief()
	return &brief, nil
}

// Login 校验凭据并签发会话令牌。
// identifier 支持用户名、邮箱或数字用户 ID。
func (s *UserService) Login(identifier, password string) (*LoginResult, *Error) {
	user, serr := s.FindUserByIdentifier(identifier)
	if serr != nil {
		// 认证失败不区分"用户不存在"与"密码错误"
		return nil, NewError(CodeAuthFailed, "invalid credentials")
	}
	if user.Status != "active" {
		return nil, NewError(CodeAuthFailed, "account disabled")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password+user.Salt)); err != nil {
		return nil, NewError(CodeAuthFailed, "invalid credentials")
	}

	token, err := middleware.GenerateToken(user.ID, sessionTokenTTL)
	if err != nil {
		return nil, Internal(fmt.Errorf("sign token: %w", err))
	}

	logger.L().Info("user logged in", zap.Int64("user_id", user.ID))

	return &LoginResult{
		User:         user.Brief(),
		SessionToken: token,
		ExpiresAt:    time.Now().Add(sessionTokenTTL),
	}, nil
}

// SendVerificationCode 生成 6 位验证码，写入 redis（5 分钟 TTL）并通过通知通道下发
func (s *UserService) SendVerificationCode(email string) *Error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return NewError(CodeInvalidParams, "a valid email is required")
	}

	code := randomDigits(6)
	if s.rdb != nil {
		if err := s.rdb.Set(context.Background(), verifyCodePre+email, code, verifyCodeTTL).Err(); err != nil {
			return Internal(fmt.Errorf("store verify code: %w", err))
		}
	}

	if err := s.sink.SendVerificationCode(email, code); err != nil {
		return Internal(fmt.Errorf("send verify code: %w", err))
	}
	return nil
}

// consumeVerifyCode 校验并删除验证码（一次性）
func (s *UserService) consumeVerifyCode(email, code string) *Error {
	if s.rdb == nil {
		// 未接 redis 的部署（本地开发）跳过验证码校验
		return nil
	}
	key := verifyCodePre + email
	stored, err := s.rdb.Get(context.Background(), key).Result()
	if errors.Is(err, redis.Nil) {
		return NewError(CodeInvalidParams, "verification code expired or not sent")
	}
	if err != nil {
		return Internal(err)
	}
	if stored != code {
		return NewError(CodeInvalidParams, "verification code mismatch")
	}
	s.rdb.Del(context.Background(), key)
	return nil
}

// FindUserByIdentifier 按用户 ID / 邮箱 / 用户名查找用户
func (s *UserService) FindUserByIdentifier(identifier string) (*model.User, *Error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, NewError(CodeInvalidParams, "identifier is required")
	}

	var user model.User
	query := s.db
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		query = query.Where("id = ?", id)
	} else if strings.Contains(identifier, "@") {
		query = query.Where("email = ?", strings.ToLower(identifier))
	} else {
		query = query.Where("username = ?", identifier)
	}

	if err := query.First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(CodeUserNotFound, "user not found: %s", identifier)
		}
		return nil, Internal(err)
	}
	return &user, nil
}

// GetUserBrief 按 ID 查询用户投影
func (s *UserService) GetUserBrief(userID int64) (*model.UserBrief, *Error) {
	var user model.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(CodeUserNotFound, "user %d not found", userID)
		}
		return nil, Internal(err)
	}
	brief := user.Brief()
	return &brief, nil
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand 失败说明系统熵源不可用，无法安全继续
		panic(fmt.Sprintf("read random salt: %v", err))
	}
	return hex.EncodeToString(buf)
}

func randomDigits(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random digits: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = '0' + b%10
	}
	return string(out)
}
