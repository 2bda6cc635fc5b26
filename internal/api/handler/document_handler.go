package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid/v5"
	"gorm.io/gorm"

	"document-service-go/internal/logger"
	"document-service-go/internal/storage"
	"document-service-go/internal/storage/models"
	"document-service-go/internal/types"
	"document-service-go/pkg/utils"
)

// 上传校验失败的哨兵错误，路由层据此映射HTTP状态码
var (
	ErrMissingFile         = errors.New("缺少上传文件")
	ErrMissingExtension    = errors.New("文件缺少扩展名")
	ErrInvalidDocumentType = errors.New("文档类别不合法")
	ErrFileTooLarge        = errors.New("文件超过大小上限")
	ErrInvalidExpiredDate  = errors.New("过期时间格式不合法")
	ErrInvalidMetadata     = errors.New("metadata字段不是合法的JSON对象")
	ErrDocumentNotFound    = errors.New("文档不存在")
)

// 上传响应的状态标签
const (
	StatusSubmitted      = "SUBMITTED_FOR_PROCESSING"
	StatusDispatchFailed = "ACCEPTED_DISPATCH_FAILED"
	StatusDuplicateFile  = "DUPLICATE_FILE_SKIPPED"
)

// MetadataStore 上传入口需要的元数据库操作
type MetadataStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, documentID string) (*models.Document, error)
	ListDocumentsByClient(ctx context.Context, clientID string) ([]models.Document, error)
	ListDocumentsByJob(ctx context.Context, jobID string) ([]models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	ListDocumentsByStatus(ctx context.Context, status types.DocumentStatus, now time.Time) ([]models.Document, error)
	ListExpiredDocuments(ctx context.Context, now time.Time) ([]models.Document, error)
}

// UploadGateway 上传入口需要的对象存储操作
type UploadGateway interface {
	StageDocumentFileStreaming(ctx context.Context, documentID, fileExt string, reader io.Reader, fileSize int64) (string, string, error)
	DeleteFile(ctx context.Context, objectKey string) error
}

// MessagePublisher 消息发布操作
type MessagePublisher interface {
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

// FileDeduper 文件MD5去重操作，允许为nil(去重降级)
type FileDeduper interface {
	CheckAndAddFileMD5(ctx context.Context, md5Hex string) (bool, error)
	RemoveFileMD5(ctx context.Context, md5Hex string) error
}

// 确保存储实现满足依赖
var (
	_ MetadataStore    = (*storage.MySQL)(nil)
	_ UploadGateway    = (*storage.MinIO)(nil)
	_ MessagePublisher = (*storage.RabbitMQ)(nil)
	_ FileDeduper      = (*storage.Redis)(nil)
)

// DocumentHandler 文档上传与查询入口
type DocumentHandler struct {
	store     MetadataStore
	gateway   UploadGateway
	publisher MessagePublisher
	deduper   FileDeduper // 可能为nil

	exchange    string
	maxFileSize int64
	now         func() time.Time
}

// NewDocumentHandler 创建文档处理入口。deduper传nil时跳过MD5去重。
func NewDocumentHandler(store MetadataStore, gateway UploadGateway, publisher MessagePublisher, deduper FileDeduper, exchange string, maxFileSize int64) *DocumentHandler {
	return &DocumentHandler{
		store:       store,
		gateway:     gateway,
		publisher:   publisher,
		deduper:     deduper,
		exchange:    exchange,
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// UploadRequest 上传请求参数
type UploadRequest struct {
	Filename     string
	Name         string
	DocumentType string
	ClientID     string
	JobID        string
	UserID       string
	Description  string
	Tags         []string
	Metadata     map[string]string
	MetadataJSON string // metadata表单字段原文，JSON对象；非空时覆盖Metadata
	ContentType  string // multipart分片的Content-Type头，metadata未给出content_type时回落
	ExpiredDate  string // RFC3339，可为空
}

// DocumentUploadResponse 上传响应
type DocumentUploadResponse struct {
	DocumentID string `json:"document_id"`
	MessageID  string `json:"message_id,omitempty"`
	Status     string `json:"status"`
}

// HandleDocumentUpload 处理文档上传：文件进暂存区、元数据落库(uploading)、
// 按类别发布处理消息。消息发布失败不回滚记录，返回降级状态，
// 滞留的记录由补偿器扫描重发。
func (h *DocumentHandler) HandleDocumentUpload(ctx context.Context, reader io.Reader, fileSize int64, req UploadRequest) (*DocumentUploadResponse, error) {
	if reader == nil || req.Filename == "" {
		return nil, ErrMissingFile
	}
	if fileSize <= 0 {
		return nil, fmt.Errorf("%w: 文件为空", ErrMissingFile)
	}
	if fileSize > h.maxFileSize {
		return nil, fmt.Errorf("%w: %d字节，上限%d字节", ErrFileTooLarge, fileSize, h.maxFileSize)
	}

	docType, err := types.ParseDocumentType(req.DocumentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocumentType, err)
	}

	var expiredDate *time.Time
	if req.ExpiredDate != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiredDate)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidExpiredDate, req.ExpiredDate)
		}
		expiredDate = &t
	}

	metadata := req.Metadata
	if req.MetadataJSON != "" {
		metadata = make(map[string]string)
		if err := json.Unmarshal([]byte(req.MetadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
	}

	filename := utils.SanitizeFilename(req.Filename)
	ext := utils.NormalizedExt(filename)
	if ext == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingExtension, filename)
	}

	// 生成文档ID (UUIDv7，时间有序)
	uuidV7, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成UUIDv7失败: %w", err)
	}
	documentID := uuidV7.String()

	// 流式写入暂存对象，同时计算MD5
	stagingKey, fileMD5, err := h.gateway.StageDocumentFileStreaming(ctx, documentID, ext, reader, fileSize)
	if err != nil {
		return nil, fmt.Errorf("暂存上传文件失败: %w", err)
	}

	// MD5去重。Redis不可用时降级为不去重。
	if h.deduper != nil {
		duplicate, err := h.deduper.CheckAndAddFileMD5(ctx, fileMD5)
		if err != nil {
			logger.Warn().Err(err).Str("md5", fileMD5).Msg("文件MD5去重检查失败，跳过去重")
		} else if duplicate {
			logger.Info().Str("md5", fileMD5).Str("filename", filename).Msg("检测到重复文件，跳过处理")
			if delErr := h.gateway.DeleteFile(ctx, stagingKey); delErr != nil {
				logger.Warn().Err(delErr).Str("staging_key", stagingKey).Msg("清理重复文件的暂存对象失败")
			}
			return &DocumentUploadResponse{Status: StatusDuplicateFile}, nil
		}
	}

	name := req.Name
	if name == "" {
		name = filename
	}

	tagsJSON, err := models.StringSliceToJSON(req.Tags)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := models.MapToJSON(metadata)
	if err != nil {
		return nil, err
	}

	mimeType := metadata["content_type"]
	if mimeType == "" {
		mimeType = req.ContentType
	}

	doc := &models.Document{
		DocumentID:       documentID,
		Name:             name,
		OriginalFilename: filename,
		FileSize:         fileSize,
		MimeType:         mimeType,
		FileExtension:    ext,
		FileMD5:          fileMD5,
		DocumentType:     string(docType),
		Status:           string(types.StatusUploading),
		ClientID:         utils.StringPtr(req.ClientID),
		JobID:            utils.StringPtr(req.JobID),
		UserID:           utils.StringPtr(req.UserID),
		Description:      utils.StringPtr(req.Description),
		Tags:             tagsJSON,
		DocumentMetadata: metadataJSON,
		UploadDate:       h.now().UTC(),
		ExpiredDate:      expiredDate,
	}

	if err := h.store.CreateDocument(ctx, doc); err != nil {
		// 落库失败时回滚暂存对象和MD5登记
		if h.deduper != nil {
			if rmErr := h.deduper.RemoveFileMD5(ctx, fileMD5); rmErr != nil {
				logger.Warn().Err(rmErr).Str("md5", fileMD5).Msg("回滚MD5登记失败")
			}
		}
		if delErr := h.gateway.DeleteFile(ctx, stagingKey); delErr != nil {
			logger.Warn().Err(delErr).Str("staging_key", stagingKey).Msg("回滚暂存对象失败")
		}
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	// 构建消息并按类别路由发布
	msg := storage.NewDocumentMessage(docType, storage.DocumentPayload{
		DocumentID:       documentID,
		DocumentType:     string(docType),
		Name:             name,
		OriginalFilename: filename,
		FileSize:         fileSize,
		MimeType:         doc.MimeType,
		FileExtension:    ext,
		StagingKey:       stagingKey,
		FileMD5:          fileMD5,
		ClientID:         doc.ClientID,
		JobID:            doc.JobID,
		UserID:           doc.UserID,
		Description:      doc.Description,
		Tags:             req.Tags,
		DocumentMetadata: metadata,
		ExpiredDate:      expiredDate,
	})
	dest := types.DestinationFor(docType)

	if err := h.publisher.PublishJSON(ctx, h.exchange, dest.RoutingKey, msg, true); err != nil {
		// 记录已落库，消息交给补偿器重发，调用方拿到降级状态而不是错误
		logger.Error().
			Err(err).
			Str("document_id", documentID).
			Str("routing_key", dest.RoutingKey).
			Msg("发布文档处理消息失败，等待补偿器重发")
		return &DocumentUploadResponse{
			DocumentID: documentID,
			Status:     StatusDispatchFailed,
		}, nil
	}

	logger.Info().
		Str("document_id", documentID).
		Str("message_id", msg.ID).
		Str("queue", dest.Queue).
		Msg("文档已受理并投递处理消息")

	return &DocumentUploadResponse{
		DocumentID: documentID,
		MessageID:  msg.ID,
		Status:     StatusSubmitted,
	}, nil
}

// DocumentView 对外呈现的文档视图，状态经过过期推导
type DocumentView struct {
	models.Document
	Status string `json:"status"`
}

func (h *DocumentHandler) toView(doc *models.Document) *DocumentView {
	return &DocumentView{
		Document: *doc,
		Status:   string(doc.EffectiveStatus(h.now())),
	}
}

func (h *DocumentHandler) toViews(docs []models.Document) []*DocumentView {
	views := make([]*DocumentView, 0, len(docs))
	for i := range docs {
		views = append(views, h.toView(&docs[i]))
	}
	return views
}

// GetDocument 按ID查询文档
func (h *DocumentHandler) GetDocument(ctx context.Context, documentID string) (*DocumentView, error) {
	doc, err := h.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}
	return h.toView(doc), nil
}

// ListByClient 按客户查询
func (h *DocumentHandler) ListByClient(ctx context.Context, clientID string) ([]*DocumentView, error) {
	docs, err := h.store.ListDocumentsByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return h.toViews(docs), nil
}

// ListByJob 按岗位查询
func (h *DocumentHandler) ListByJob(ctx context.Context, jobID string) ([]*DocumentView, error) {
	docs, err := h.store.ListDocumentsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return h.toViews(docs), nil
}

// ListByUser 按用户查询
func (h *DocumentHandler) ListByUser(ctx context.Context, userID string) ([]*DocumentView, error) {
	docs, err := h.store.ListDocumentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return h.toViews(docs), nil
}

// ListByStatus 按状态查询。传入expired时按过期时间过滤。
func (h *DocumentHandler) ListByStatus(ctx context.Context, statusStr string) ([]*DocumentView, error) {
	status, err := types.ParseDocumentStatus(statusStr)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	docs, err := h.store.ListDocumentsByStatus(ctx, status, h.now())
	if err != nil {
		return nil, err
	}

	views := h.toViews(docs)
	if status == types.StatusExpired {
		return views, nil
	}
	// 非expired查询剔除已过期的记录，呈现层状态与过滤条件保持一致
	filtered := views[:0]
	for _, v := range views {
		if v.Status == string(status) {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

// ListExpired 查询全部已过期文档
func (h *DocumentHandler) ListExpired(ctx context.Context) ([]*DocumentView, error) {
	docs, err := h.store.ListExpiredDocuments(ctx, h.now())
	if err != nil {
		return nil, err
	}
	return h.toViews(docs), nil
}
