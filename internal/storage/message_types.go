package storage

import (
	"time"

	"github.com/google/uuid"

	"document-service-go/internal/types"
)

// DocumentMessage 文档处理消息信封。ID 为每次发布新生成的消息ID，
// 与文档ID无关；重发同一文档会得到不同的消息ID。
type DocumentMessage struct {
	ID        string          `json:"id"`        // 消息ID
	Type      string          `json:"type"`      // 消息类型标签，如 "client-doc"
	Timestamp time.Time       `json:"timestamp"` // 发布时间
	Data      DocumentPayload `json:"data"`      // 文档快照
}

// DocumentPayload 消费者搬运文件所需的文档快照
type DocumentPayload struct {
	DocumentID       string            `json:"document_id"`                 // 元数据记录主键
	DocumentType     string            `json:"document_type"`               // 文档类别
	Name             string            `json:"name"`                        // 展示名称
	OriginalFilename string            `json:"original_filename"`           // 原始文件名
	FileSize         int64             `json:"file_size"`                   // 文件字节数
	MimeType         string            `json:"mime_type,omitempty"`         // MIME类型
	FileExtension    string            `json:"file_extension,omitempty"`    // 扩展名(含点)
	StagingKey       string            `json:"staging_key"`                 // 暂存对象键，消费者从这里取文件
	FileMD5          string            `json:"file_md5,omitempty"`          // 文件内容MD5，去重登记用
	ClientID         *string           `json:"client_id,omitempty"`         // 归属客户
	JobID            *string           `json:"job_id,omitempty"`            // 归属岗位
	UserID           *string           `json:"user_id,omitempty"`           // 归属用户
	Description      *string           `json:"description,omitempty"`       // 描述
	Tags             []string          `json:"tags,omitempty"`              // 标签
	DocumentMetadata map[string]string `json:"document_metadata,omitempty"` // 自定义元数据
	ExpiredDate      *time.Time        `json:"expired_date,omitempty"`      // 过期时间
}

// NewDocumentMessage 按类别对应的消息类型包装文档快照
func NewDocumentMessage(docType types.DocumentType, payload DocumentPayload) DocumentMessage {
	dest := types.DestinationFor(docType)
	return DocumentMessage{
		ID:        uuid.NewString(),
		Type:      dest.MessageType,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
}
