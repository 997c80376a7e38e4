package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// TCP 聊天协议端口（核心协议入口）
	TCPPort string
	// HTTP 端口（健康检查 / 指标 / 管理接口 / WebSocket 网关）
	HTTPPort string

	DatabaseURL   string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	JWTSecret     string

	// 连接数限制
	MaxConnections int // 全局最大连接数
	MaxPerIP       int // 单 IP 最大连接数
	WorkerCount    int // 会话工作协程数

	// 心跳超时（秒），超时未收到任何请求视为非正常断开
	HeartbeatTimeoutSec int
	// 会话销毁宽限期（秒），断开后延迟回收，保证在途回调安全
	TeardownGraceSec int

	// 消息撤回窗口（秒）
	RecallWindowSec int

	// 数据库连接池
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	// 池耗尽时获取连接的最长等待时间；0 表示立即失败，负值不限制
	DBAcquireTimeout time.Duration

	// 运行模式：debug | release
	Mode string
}

func Load() *Config {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		TCPPort:             getEnv("TCP_PORT", "9090"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		JWTSecret:           os.Getenv("JWT_SECRET"),
		MaxConnections:      getEnvInt("MAX_CONNECTIONS", 5000),
		MaxPerIP:            getEnvInt("MAX_PER_IP", 50),
		WorkerCount:         getEnvInt("WORKER_COUNT", 8),
		HeartbeatTimeoutSec: getEnvInt("HEARTBEAT_TIMEOUT_SEC", 30),
		TeardownGraceSec:    getEnvInt("TEARDOWN_GRACE_SEC", 5),
		RecallWindowSec:     getEnvInt("RECALL_WINDOW_SEC", 120),
		DBMaxOpenConns:      getEnvInt("DB_MAX_OPEN_CONNS", 100),
		DBMaxIdleConns:      getEnvInt("DB_MAX_IDLE_CONNS", 20),
		DBConnMaxLifetime:   time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		DBAcquireTimeout:    time.Duration(getEnvInt("DB_ACQUIRE_TIMEOUT_MS", 3000)) * time.Millisecond,
		Mode:                getEnv("MODE", "release"),
	}

	return cfg
}

// HeartbeatTimeout 心跳超时时长
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// TeardownGrace 会话销毁宽限期
func (c *Config) TeardownGrace() time.Duration {
	return time.Duration(c.TeardownGraceSec) * time.Second
}

// RecallWindow 消息撤回窗口
func (c *Config) RecallWindow() time.Duration {
	return time.Duration(c.RecallWindowSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
