package constants

import "time"

// RabbitMQ 主题交换机与暂存对象相关常量
const (
	// DocumentExchange 文档管道使用的 topic 交换机
	DocumentExchange = "document_processing"
	// DocumentExchangeType 交换机类型
	DocumentExchangeType = "topic"

	// StagingPrefix 暂存对象的键前缀，消费者搬运完成后由生命周期规则兜底清理
	StagingPrefix = "staging/"
	// FinalKeyPrefix 最终对象键的固定前缀
	FinalKeyPrefix = "documents/"
)

// 上传约束默认值，可被配置覆盖
const (
	// DefaultMaxFileSize 单文件上限 50MB
	DefaultMaxFileSize int64 = 50 * 1024 * 1024
	// DefaultStagingExpireDays 暂存对象的生命周期天数
	DefaultStagingExpireDays = 3
	// DefaultStuckUploadingThreshold uploading 状态滞留多久后由补偿器重发
	DefaultStuckUploadingThreshold = 10 * time.Minute
)

// Redis 键
const (
	// UploadedFileMD5SetKey 已接收文件 MD5 去重集合
	UploadedFileMD5SetKey = "document_service:uploaded_file_md5s"
)

// 默认消费并发
const (
	// DefaultPrefetchCount 每个消费者信道的预取数量
	DefaultPrefetchCount = 5
	// DefaultConsumerWorkers 每个队列默认的消费协程数
	DefaultConsumerWorkers = 2
)
