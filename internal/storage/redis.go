package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"document-service-go/internal/config"
	"document-service-go/internal/constants"
)

// ErrNotFound Redis键不存在
var ErrNotFound = redis.Nil

// Redis 提供缓存与去重功能
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
	prefix string
}

// FormatKey 为键加上实例前缀，便于多环境共用一套Redis
func (r *Redis) FormatKey(keyConstant string, parts ...string) string {
	base := keyConstant
	if r.prefix != "" {
		base = r.prefix + ":" + base
	}
	if len(parts) > 0 {
		base = base + ":" + strings.Join(parts, ":")
	}
	return base
}

// NewRedisAdapter 创建Redis客户端连接
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("Redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("Redis地址不能为空")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子，记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("为Redis注册OpenTelemetry钩子失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis (%s) 失败: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close 关闭Redis连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration 返回配置的MD5记录过期时间
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckAndAddFileMD5 原子地检查并登记文件MD5。
// 返回true表示MD5已存在(重复文件)，false表示首次出现并已登记。
// SAdd的返回值区分了两种情况，不需要先SIsMember再SAdd的竞态写法。
func (r *Redis) CheckAndAddFileMD5(ctx context.Context, md5Hex string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("Redis客户端未初始化")
	}

	setKey := r.FormatKey(constants.UploadedFileMD5SetKey)

	pipe := r.Client.Pipeline()
	addCmd := pipe.SAdd(ctx, setKey, md5Hex)
	pipe.ExpireNX(ctx, setKey, r.GetMD5ExpireDuration())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("登记文件MD5失败: %w", err)
	}

	// SAdd返回0表示成员已存在
	return addCmd.Val() == 0, nil
}

// RemoveFileMD5 从去重集合中移除MD5，用于上传记录回滚
func (r *Redis) RemoveFileMD5(ctx context.Context, md5Hex string) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}
	setKey := r.FormatKey(constants.UploadedFileMD5SetKey)
	if err := r.Client.SRem(ctx, setKey, md5Hex).Err(); err != nil {
		return fmt.Errorf("移除文件MD5失败: %w", err)
	}
	return nil
}

// CheckFileMD5Exists 只读检查MD5是否已登记
func (r *Redis) CheckFileMD5Exists(ctx context.Context, md5Hex string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("Redis客户端未初始化")
	}
	setKey := r.FormatKey(constants.UploadedFileMD5SetKey)
	return r.Client.SIsMember(ctx, setKey, md5Hex).Result()
}
