package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"document-service-go/internal/config"
	"document-service-go/internal/logger"
	"document-service-go/internal/storage"
	"document-service-go/internal/storage/models"
	"document-service-go/internal/types"
)

// UploadReconciler 周期性扫描滞留在uploading状态的文档并重发处理消息。
// 发布成功但消费者一直没领取的消息(broker丢失、消费者长期下线后队列被清空等)
// 会让记录永远停在uploading，这里是唯一的兜底。
type UploadReconciler struct {
	mysql     *storage.MySQL
	publisher *storage.RabbitMQ

	exchange  string
	threshold time.Duration
	interval  time.Duration
	batchSize int

	done   chan struct{}
	tracer trace.Tracer
}

// NewUploadReconciler 创建补偿器
func NewUploadReconciler(mysql *storage.MySQL, publisher *storage.RabbitMQ, cfg *config.Config) *UploadReconciler {
	return &UploadReconciler{
		mysql:     mysql,
		publisher: publisher,
		exchange:  cfg.RabbitMQ.Exchange,
		threshold: config.GetDuration(cfg.Upload.StuckUploadingThreshold, 10*time.Minute),
		interval:  config.GetDuration(cfg.Upload.ReconcileInterval, time.Minute),
		batchSize: cfg.Upload.ReconcileBatchSize,
		done:      make(chan struct{}),
		tracer:    otel.Tracer("document-service-go/reconcile"),
	}
}

// Start 启动补偿轮询
func (r *UploadReconciler) Start() {
	logger.Info().
		Dur("interval", r.interval).
		Dur("threshold", r.threshold).
		Msg("上传补偿器启动")

	ticker := time.NewTicker(r.interval)

	go func() {
		for {
			select {
			case <-r.done:
				ticker.Stop()
				logger.Info().Msg("上传补偿器已停止")
				return
			case <-ticker.C:
				if err := r.reconcileOnce(context.Background()); err != nil {
					logger.Error().Err(err).Msg("补偿扫描失败")
				}
			}
		}
	}()
}

// Stop 停止补偿轮询
func (r *UploadReconciler) Stop() {
	close(r.done)
}

// reconcileOnce 执行一轮扫描。SKIP LOCKED让多实例互不重复处理同一批记录。
func (r *UploadReconciler) reconcileOnce(ctx context.Context) error {
	olderThan := time.Now().Add(-r.threshold)

	return r.mysql.FetchStuckUploadingDocuments(ctx, olderThan, r.batchSize, func(tx *gorm.DB, docs []models.Document) error {
		// 空轮询不建Span
		ctx, span := r.tracer.Start(ctx, "reconcile.RepublishBatch",
			trace.WithAttributes(
				attribute.Int("document.batch_size", len(docs)),
			),
		)
		defer span.End()

		for _, doc := range docs {
			if err := r.republish(ctx, &doc); err != nil {
				// 单条失败不拦住整批，下一轮会再次扫到
				logger.Warn().Err(err).Str("document_id", doc.DocumentID).Msg("重发文档消息失败")
				continue
			}
			// 推进updated_at，避免下一轮立刻再次扫到同一条
			if err := tx.Model(&models.Document{}).
				Where("document_id = ?", doc.DocumentID).
				Update("updated_at", time.Now()).Error; err != nil {
				return err
			}
			logger.Info().Str("document_id", doc.DocumentID).Msg("已重发滞留文档的处理消息")
		}
		return nil
	})
}

// republish 从数据库记录重建消息快照并发布
func (r *UploadReconciler) republish(ctx context.Context, doc *models.Document) error {
	payload, err := PayloadFromDocument(doc)
	if err != nil {
		return err
	}

	docType := types.DocumentType(doc.DocumentType)
	msg := storage.NewDocumentMessage(docType, payload)
	dest := types.DestinationFor(docType)

	return r.publisher.PublishJSON(ctx, r.exchange, dest.RoutingKey, msg, true)
}

// PayloadFromDocument 从元数据记录重建消息快照。暂存键按创建时的
// 规则从文档ID和扩展名推导，与上传入口写入的键一致。
func PayloadFromDocument(doc *models.Document) (storage.DocumentPayload, error) {
	payload := storage.DocumentPayload{
		DocumentID:       doc.DocumentID,
		DocumentType:     doc.DocumentType,
		Name:             doc.Name,
		OriginalFilename: doc.OriginalFilename,
		FileSize:         doc.FileSize,
		MimeType:         doc.MimeType,
		FileExtension:    doc.FileExtension,
		StagingKey:       storage.StagingObjectKey(doc.DocumentID, doc.FileExtension),
		FileMD5:          doc.FileMD5,
		ClientID:         doc.ClientID,
		JobID:            doc.JobID,
		UserID:           doc.UserID,
		Description:      doc.Description,
		ExpiredDate:      doc.ExpiredDate,
	}

	if len(doc.Tags) > 0 {
		if err := json.Unmarshal(doc.Tags, &payload.Tags); err != nil {
			return payload, err
		}
	}
	if len(doc.DocumentMetadata) > 0 {
		if err := json.Unmarshal(doc.DocumentMetadata, &payload.DocumentMetadata); err != nil {
			return payload, err
		}
	}

	return payload, nil
}
