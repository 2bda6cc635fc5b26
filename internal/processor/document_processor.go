package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"document-service-go/internal/logger"
	"document-service-go/internal/storage"
	"document-service-go/internal/storage/models"
	"document-service-go/internal/tracing"
	"document-service-go/internal/types"
)

var processorTracer = otel.Tracer("document-service-go/processor")

// messageProcessTimeout 单条消息处理的时间上限，独立于调用方上下文
const messageProcessTimeout = 2 * time.Minute

// DocumentStore 处理器需要的元数据库操作
type DocumentStore interface {
	GetDocumentByID(ctx context.Context, documentID string) (*models.Document, error)
	TransitionDocumentStatus(ctx context.Context, documentID string, from, to types.DocumentStatus) (bool, error)
	MarkDocumentUploaded(ctx context.Context, documentID, storageKey, storageURL string) (bool, error)
	MarkDocumentFailed(ctx context.Context, documentID string) (bool, error)
}

// ObjectGateway 处理器需要的对象存储操作
type ObjectGateway interface {
	PromoteStagedFile(ctx context.Context, stagingKey, finalKey, contentType string) error
	DeleteFile(ctx context.Context, objectKey string) error
	GetFileURL(objectKey string) string
}

// FileDeduper 失败落库后释放MD5登记的操作，允许为nil(去重未启用)
type FileDeduper interface {
	RemoveFileMD5(ctx context.Context, md5Hex string) error
}

// 确保存储实现满足处理器依赖
var (
	_ DocumentStore = (*storage.MySQL)(nil)
	_ ObjectGateway = (*storage.MinIO)(nil)
	_ FileDeduper   = (*storage.Redis)(nil)
)

// DocumentProcessor 消费文档消息，把暂存文件搬运到最终键位并推进状态。
// ProcessMessage 无论成败都返回true：消费语义是ack-always，
// 失败结果落在数据库的failed状态里，而不是消息重投。
type DocumentProcessor struct {
	store   DocumentStore
	gateway ObjectGateway
	deduper FileDeduper // 可能为nil
	now     func() time.Time
}

// NewDocumentProcessor 创建文档处理器。deduper传nil时失败不回收MD5登记。
func NewDocumentProcessor(store DocumentStore, gateway ObjectGateway, deduper FileDeduper) *DocumentProcessor {
	return &DocumentProcessor{
		store:   store,
		gateway: gateway,
		deduper: deduper,
		now:     time.Now,
	}
}

// ProcessMessage 处理一条文档消息。返回值恒为true，确保消息被确认。
// 已领取的消息必须走到终态：调用方(消费者池关停)的取消不中断处理中
// 的消息，否则记录会停在processing而消息已被确认。
func (p *DocumentProcessor) ProcessMessage(ctx context.Context, body []byte) bool {
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, messageProcessTimeout)
	defer cancel()

	ctx, span := processorTracer.Start(ctx, "DocumentProcessor.ProcessMessage",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var msg storage.DocumentMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// 消息格式错误没有重试价值，记录后确认丢弃
		tracing.RecordError(span, err, tracing.ErrorTypeMalformedMessage)
		logger.Error().Err(err).Msg("文档消息反序列化失败，丢弃")
		return true
	}

	span.SetAttributes(
		attribute.String("messaging.message_id", msg.ID),
		attribute.String("document.id", msg.Data.DocumentID),
		attribute.String("document.type", msg.Data.DocumentType),
	)

	if err := p.handleDocument(ctx, span, &msg); err != nil {
		logger.Error().
			Err(err).
			Str("document_id", msg.Data.DocumentID).
			Str("message_id", msg.ID).
			Msg("文档处理失败")
	}
	return true
}

// handleDocument 执行单条消息的完整处理流程
func (p *DocumentProcessor) handleDocument(ctx context.Context, span trace.Span, msg *storage.DocumentMessage) error {
	docID := msg.Data.DocumentID
	if docID == "" {
		err := fmt.Errorf("消息 %s 缺少document_id", msg.ID)
		tracing.RecordError(span, err, tracing.ErrorTypeMalformedMessage)
		return err
	}

	docType, err := types.ParseDocumentType(msg.Data.DocumentType)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeMalformedMessage)
		return err
	}

	// 领取消息：uploading -> processing
	transitioned, err := p.store.TransitionDocumentStatus(ctx, docID, types.StatusUploading, types.StatusProcessing)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}

	if !transitioned {
		// 记录不在uploading：可能是重投的消息或并发消费者已领取
		resume, skipErr := p.shouldResume(ctx, span, docID)
		if skipErr != nil {
			return skipErr
		}
		if !resume {
			return nil
		}
		// 记录在processing，本条消息继续执行搬运（上一次处理可能中途崩溃）
		logger.Warn().Str("document_id", docID).Msg("文档已处于processing状态，恢复搬运")
	}

	finalKey := storage.GenerateObjectKey(
		docType,
		msg.Data.ClientID, msg.Data.JobID, msg.Data.UserID,
		msg.Data.FileExtension,
		p.now().UTC(),
	)

	if err := p.gateway.PromoteStagedFile(ctx, msg.Data.StagingKey, finalKey, contentTypeOf(msg)); err != nil {
		tracing.RecordError(span, err, classifyUploadError(err))
		marked, markErr := p.store.MarkDocumentFailed(ctx, docID)
		if markErr != nil {
			tracing.RecordError(span, markErr, tracing.ErrorTypeDB)
			return errors.Join(err, markErr)
		}
		if marked {
			// failed之后唯一的恢复路径是重新提交，释放MD5登记让
			// 相同内容的文件不被当作重复拦下
			p.releaseFileMD5(ctx, msg)
		}
		return err
	}

	fileURL := p.gateway.GetFileURL(finalKey)

	marked, err := p.store.MarkDocumentUploaded(ctx, docID, finalKey, fileURL)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}
	if !marked {
		// 另一个消费者已完成收尾，删除本次搬运产生的孤儿对象
		logger.Warn().Str("document_id", docID).Str("orphan_key", finalKey).Msg("文档状态已被并发推进，清理孤儿对象")
		if delErr := p.gateway.DeleteFile(ctx, finalKey); delErr != nil {
			logger.Warn().Err(delErr).Str("orphan_key", finalKey).Msg("清理孤儿对象失败")
		}
		return nil
	}

	logger.Info().
		Str("document_id", docID).
		Str("storage_key", finalKey).
		Msg("文档上传完成")
	return nil
}

// shouldResume 判断uploading->processing失败后本条消息该恢复搬运还是跳过。
// 终态(uploaded/failed)说明是重复消息，跳过；processing说明上一次处理
// 中途崩溃，恢复；不存在的记录只能丢弃。
func (p *DocumentProcessor) shouldResume(ctx context.Context, span trace.Span, docID string) (bool, error) {
	doc, err := p.store.GetDocumentByID(ctx, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn().Str("document_id", docID).Msg("消息指向不存在的文档记录，丢弃")
			return false, nil
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return false, err
	}

	switch types.DocumentStatus(doc.Status) {
	case types.StatusProcessing:
		return true, nil
	case types.StatusUploaded, types.StatusFailed:
		logger.Info().
			Str("document_id", docID).
			Str("status", doc.Status).
			Msg("文档已处于终态，跳过重复消息")
		return false, nil
	default:
		logger.Warn().
			Str("document_id", docID).
			Str("status", doc.Status).
			Msg("文档处于预期之外的状态，跳过")
		return false, nil
	}
}

// releaseFileMD5 从去重集合移除消息携带的文件MD5，失败仅告警
func (p *DocumentProcessor) releaseFileMD5(ctx context.Context, msg *storage.DocumentMessage) {
	if p.deduper == nil || msg.Data.FileMD5 == "" {
		return
	}
	if err := p.deduper.RemoveFileMD5(ctx, msg.Data.FileMD5); err != nil {
		logger.Warn().
			Err(err).
			Str("md5", msg.Data.FileMD5).
			Str("document_id", msg.Data.DocumentID).
			Msg("释放文件MD5登记失败")
	}
}

// classifyUploadError 把上传错误映射到追踪用的错误类型
func classifyUploadError(err error) tracing.ErrorType {
	switch {
	case errors.Is(err, storage.ErrStorageCredentials),
		errors.Is(err, storage.ErrStorageBucketMissing):
		return tracing.ErrorTypeObjectStorage
	case errors.Is(err, storage.ErrStorageTransient):
		return tracing.ErrorTypeTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return tracing.ErrorTypeTimeout
	default:
		return tracing.ErrorTypeObjectStorage
	}
}

func contentTypeOf(msg *storage.DocumentMessage) string {
	if msg.Data.MimeType != "" {
		return msg.Data.MimeType
	}
	return "application/octet-stream"
}
