package storage

import (
	"context"
	"fmt"

	"document-service-go/internal/config"
	"document-service-go/internal/logger"
)

// Storage 存储管理器，聚合文档管道的全部存储依赖。
// MinIO、RabbitMQ、MySQL是管道运转的硬依赖，初始化失败直接报错；
// Redis只服务于MD5去重，失败时降级为不去重继续运行。
type Storage struct {
	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 关系型数据库
	MySQL *MySQL

	// 键值存储，可能为nil
	Redis *Redis
}

// NewStorage 创建存储管理器
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	storage := &Storage{}
	var err error

	storage.MinIO, err = NewMinIO(&cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	storage.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("初始化RabbitMQ失败: %w", err)
	}

	storage.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	// Redis失败不阻塞启动，去重能力降级
	if cfg.Redis.Address != "" {
		storage.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化Redis失败，文件MD5去重将不可用")
			storage.Redis = nil
		}
	} else {
		logger.Info().Msg("Redis未配置，跳过初始化")
	}

	return storage, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}

	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	// MinIO客户端不持有需要显式关闭的连接
}
