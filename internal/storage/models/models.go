package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"document-service-go/internal/types"
)

// Document 文档元数据记录。记录在文件进入持久化存储之前创建，
// 之后仅推进 status / storage_key / storage_url 等字段。
type Document struct {
	DocumentID       string         `gorm:"type:char(36);primaryKey" json:"document_id"`
	Name             string         `gorm:"type:varchar(255);not null" json:"name"`
	OriginalFilename string         `gorm:"type:varchar(255);not null" json:"original_filename"`
	FileSize         int64          `gorm:"not null" json:"file_size"`
	MimeType         string         `gorm:"type:varchar(128)" json:"mime_type"`
	FileExtension    string         `gorm:"type:varchar(16)" json:"file_extension"`
	FileMD5          string         `gorm:"type:char(32);index" json:"file_md5,omitempty"`
	DocumentType     string         `gorm:"type:varchar(32);not null;index" json:"document_type"`
	Status           string         `gorm:"type:varchar(16);not null;default:'uploading';index" json:"status"`
	StorageKey       *string        `gorm:"type:varchar(512)" json:"storage_key,omitempty"`
	StorageURL       *string        `gorm:"type:varchar(1024)" json:"storage_url,omitempty"`
	ClientID         *string        `gorm:"type:varchar(64);index" json:"client_id,omitempty"`
	JobID            *string        `gorm:"type:varchar(64);index" json:"job_id,omitempty"`
	UserID           *string        `gorm:"type:varchar(64);index" json:"user_id,omitempty"`
	Description      *string        `gorm:"type:text" json:"description,omitempty"`
	Tags             datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	DocumentMetadata datatypes.JSON `gorm:"type:json" json:"document_metadata,omitempty"`
	UploadDate       time.Time      `gorm:"not null" json:"upload_date"`
	ExpiredDate      *time.Time     `gorm:"index" json:"expired_date,omitempty"`
	CreatedAt        time.Time      `gorm:"type:datetime(6)" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"type:datetime(6)" json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// IsExpired 判断文档在 now 时刻是否已过期。expired_date 为空视为永不过期。
func (d *Document) IsExpired(now time.Time) bool {
	return d.ExpiredDate != nil && d.ExpiredDate.Before(now)
}

// EffectiveStatus 返回对外呈现的状态：已过期的文档无论落库状态是什么
// 都呈现为 expired。expired 不落库，只在读取时推导。
func (d *Document) EffectiveStatus(now time.Time) types.DocumentStatus {
	if d.IsExpired(now) {
		return types.StatusExpired
	}
	return types.DocumentStatus(d.Status)
}

// StringSliceToJSON 将字符串切片序列化为 JSON 列值，空切片返回 nil
func StringSliceToJSON(items []string) (datatypes.JSON, error) {
	if len(items) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("序列化字符串数组失败: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// MapToJSON 将键值对序列化为 JSON 列值，空 map 返回 nil
func MapToJSON(m map[string]string) (datatypes.JSON, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化元数据失败: %w", err)
	}
	return datatypes.JSON(raw), nil
}
