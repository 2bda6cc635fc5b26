package processor

import (
	"context"
	"fmt"
	"sync"

	"document-service-go/internal/config"
	"document-service-go/internal/constants"
	"document-service-go/internal/logger"
	"document-service-go/internal/storage"
	"document-service-go/internal/types"
)

// DocumentConsumer 管理四个目的队列的消费协程。
// Start声明拓扑并拉起全部worker，Stop取消上下文并等待所有worker汇合。
type DocumentConsumer struct {
	mq        *storage.RabbitMQ
	processor *DocumentProcessor
	cfg       *config.RabbitMQConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh []<-chan struct{}
}

// NewDocumentConsumer 创建消费者管理器
func NewDocumentConsumer(mq *storage.RabbitMQ, processor *DocumentProcessor, cfg *config.RabbitMQConfig) *DocumentConsumer {
	return &DocumentConsumer{
		mq:        mq,
		processor: processor,
		cfg:       cfg,
	}
}

// EnsureTopology 声明交换机、四个队列及其绑定
func (c *DocumentConsumer) EnsureTopology() error {
	if err := c.mq.EnsureExchange(c.cfg.Exchange, constants.DocumentExchangeType, true); err != nil {
		return fmt.Errorf("声明文档交换机失败: %w", err)
	}

	for _, dest := range types.AllDestinations() {
		if err := c.mq.EnsureQueue(dest.Queue, true); err != nil {
			return fmt.Errorf("声明队列 %s 失败: %w", dest.Queue, err)
		}
		if err := c.mq.BindQueue(dest.Queue, c.cfg.Exchange, dest.BindingKey); err != nil {
			return fmt.Errorf("绑定队列 %s 失败: %w", dest.Queue, err)
		}
	}
	return nil
}

// Start 声明拓扑并启动全部消费协程
func (c *DocumentConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("消费者已经启动")
	}

	if err := c.EnsureTopology(); err != nil {
		return err
	}

	consumerCtx, cancel := context.WithCancel(ctx)

	var started []<-chan struct{}
	for _, dest := range types.AllDestinations() {
		workers := c.cfg.WorkersFor(dest.Queue)
		for i := 0; i < workers; i++ {
			done, err := c.mq.StartConsumer(consumerCtx, dest.Queue, c.cfg.PrefetchCount, func(body []byte) bool {
				return c.processor.ProcessMessage(consumerCtx, body)
			})
			if err != nil {
				// 启动失败时回收已经拉起的worker
				cancel()
				for _, d := range started {
					<-d
				}
				return fmt.Errorf("启动队列 %s 的消费者失败: %w", dest.Queue, err)
			}
			started = append(started, done)
		}
		logger.Info().Str("queue", dest.Queue).Int("workers", workers).Msg("队列消费者已启动")
	}

	c.cancel = cancel
	c.doneCh = started
	return nil
}

// Stop 取消全部消费协程并阻塞等待汇合。可安全重复调用。
func (c *DocumentConsumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.doneCh
	c.cancel = nil
	c.doneCh = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	for _, d := range done {
		<-d
	}
	logger.Info().Msg("全部文档消费者已停止")
}
