package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"document-service-go/internal/config"
	"document-service-go/internal/constants"
	"document-service-go/internal/logger"
	"document-service-go/internal/types"
)

// 上传失败的分类，消费者据此决定落库为 failed 时记录的原因
var (
	// ErrStorageCredentials 凭证或权限错误
	ErrStorageCredentials = errors.New("对象存储凭证或权限错误")
	// ErrStorageBucketMissing 目标存储桶不存在
	ErrStorageBucketMissing = errors.New("目标存储桶不存在")
	// ErrStorageTransient 网络或服务端临时错误
	ErrStorageTransient = errors.New("对象存储临时不可用")
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadFile 上传文件到指定对象键
	UploadFile(ctx context.Context, objectKey string, reader io.Reader, fileSize int64, contentType string) error

	// DownloadFile 下载对象内容
	DownloadFile(ctx context.Context, objectKey string) ([]byte, error)

	// CopyObject 服务端拷贝对象
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// DeleteFile 删除对象
	DeleteFile(ctx context.Context, objectKey string) error

	// FileExists 判断对象是否存在
	FileExists(ctx context.Context, objectKey string) (bool, error)

	// GetFileURL 生成对象的访问URL
	GetFileURL(objectKey string) string

	// GetPresignedURL 生成预签名下载URL
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)

	// 文档管道特定操作
	StageDocumentFileStreaming(ctx context.Context, documentID, fileExt string, reader io.Reader, fileSize int64) (string, string, error)
	PromoteStagedFile(ctx context.Context, stagingKey, finalKey, contentType string) error
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client: client,
		cfg:    cfg,
		bucket: cfg.BucketName,
	}

	if err := m.ensureBucketExists(cfg.BucketName, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保文档存储桶 %s 存在失败: %w", cfg.BucketName, err)
	}

	// 暂存前缀的生命周期规则，兜底清理消费者未能删除的暂存对象
	if cfg.StagingExpireDays > 0 {
		if err := m.setupStagingLifecycle(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("设置暂存对象生命周期规则失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.BucketName).Msg("MinIO客户端初始化完成")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		err = m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location})
		if err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		logger.Info().Str("bucket", bucketName).Msg("存储桶已创建")
	}
	return nil
}

// setupStagingLifecycle 为暂存前缀设置过期规则
func (m *MinIO) setupStagingLifecycle(ctx context.Context) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     "expire-staging",
			Status: "Enabled",
			RuleFilter: lifecycle.Filter{
				Prefix: constants.StagingPrefix,
			},
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(m.cfg.StagingExpireDays),
			},
		},
	}

	if err := m.client.SetBucketLifecycle(ctx, m.bucket, lc); err != nil {
		return fmt.Errorf("为存储桶 %s 设置暂存生命周期失败: %w", m.bucket, err)
	}
	return nil
}

// classifyStorageError 将MinIO错误归入稳定的失败分类
func classifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %s", ErrStorageCredentials, resp.Code)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrStorageBucketMissing, bucketFromResp(resp))
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.Code == "SlowDown" || resp.Code == "RequestTimeout" {
		return fmt.Errorf("%w: %v", ErrStorageTransient, err)
	}
	return err
}

func bucketFromResp(resp minio.ErrorResponse) string {
	if resp.BucketName != "" {
		return resp.BucketName
	}
	return resp.Code
}

// UploadFile 上传文件到指定对象键
func (m *MinIO) UploadFile(ctx context.Context, objectKey string, reader io.Reader, fileSize int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, objectKey, reader, fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, objectKey, classifyStorageError(err))
	}
	return nil
}

// DownloadFile 下载对象内容
func (m *MinIO) DownloadFile(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.bucket, objectKey, classifyStorageError(err))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.bucket, objectKey, classifyStorageError(err))
	}
	return data, nil
}

// CopyObject 服务端拷贝对象，避免数据经过应用进程
func (m *MinIO) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: m.bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: m.bucket, Object: dstKey}
	if _, err := m.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("拷贝对象 %s -> %s 失败: %w", srcKey, dstKey, classifyStorageError(err))
	}
	return nil
}

// DeleteFile 删除对象
func (m *MinIO) DeleteFile(ctx context.Context, objectKey string) error {
	err := m.client.RemoveObject(ctx, m.bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectKey, classifyStorageError(err))
	}
	return nil
}

// FileExists 判断对象是否存在
func (m *MinIO) FileExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("查询对象 %s 状态失败: %w", objectKey, classifyStorageError(err))
	}
	return true, nil
}

// GetFileURL 生成对象的访问URL。配置了自定义端点时使用path-style，
// 否则按AWS的virtual-hosted风格拼接。
func (m *MinIO) GetFileURL(objectKey string) string {
	endpoint := m.cfg.PublicEndpoint
	if endpoint == "" {
		endpoint = m.cfg.Endpoint
	}
	if endpoint != "" {
		scheme := "http"
		if m.cfg.UseSSL {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/%s/%s", scheme, endpoint, m.bucket, objectKey)
	}
	region := m.cfg.Location
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.bucket, region, objectKey)
}

// GetPresignedURL 生成预签名下载URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	presignedURL, err := m.client.PresignedGetObject(ctx, m.bucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// StageDocumentFileStreaming 将上传流写入暂存对象并同时计算MD5。
// 返回: stagingKey, md5Hex, error
func (m *MinIO) StageDocumentFileStreaming(ctx context.Context, documentID, fileExt string, reader io.Reader, fileSize int64) (string, string, error) {
	stagingKey := StagingObjectKey(documentID, fileExt)
	contentType := getContentType(fileExt)

	// 使用TeeReader边上传边计算MD5
	md5Hash := md5.New()
	teeReader := io.TeeReader(reader, md5Hash)

	info, err := m.client.PutObject(ctx, m.bucket, stagingKey, teeReader,
		fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", fmt.Errorf("流式写入暂存对象失败: %w", classifyStorageError(err))
	}

	md5Hex := hex.EncodeToString(md5Hash.Sum(nil))

	logger.Debug().
		Str("staging_key", stagingKey).
		Int64("size", info.Size).
		Str("md5", md5Hex).
		Msg("文件已写入暂存对象")

	return stagingKey, md5Hex, nil
}

// PromoteStagedFile 将暂存对象搬运到最终键位，成功后尽力删除暂存副本。
// 删除失败不报错，残留对象交给生命周期规则清理。
func (m *MinIO) PromoteStagedFile(ctx context.Context, stagingKey, finalKey, contentType string) error {
	if err := m.CopyObject(ctx, stagingKey, finalKey); err != nil {
		return err
	}

	if err := m.DeleteFile(ctx, stagingKey); err != nil {
		logger.Warn().Err(err).Str("staging_key", stagingKey).Msg("删除暂存对象失败，等待生命周期规则清理")
	}
	return nil
}

// StagingObjectKey 构建暂存对象键
func StagingObjectKey(documentID, fileExt string) string {
	return fmt.Sprintf("%s%s%s", constants.StagingPrefix, documentID, fileExt)
}

// GenerateObjectKey 构建最终对象键:
// documents/<类别>/[<归属ID>/]<年>/<月>/<日>/<uuid><扩展名>
// 归属ID按 client/job/user 的顺序取第一个非空值，没有则省略该段。
func GenerateObjectKey(docType types.DocumentType, clientID, jobID, userID *string, fileExt string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(constants.FinalKeyPrefix)
	sb.WriteString(string(docType))
	sb.WriteString("/")

	if owner := firstNonEmpty(clientID, jobID, userID); owner != "" {
		sb.WriteString(owner)
		sb.WriteString("/")
	}

	sb.WriteString(now.Format("2006/01/02"))
	sb.WriteString("/")

	id, err := uuid.NewV7()
	if err != nil {
		// V7仅在系统熵源异常时失败，退回V4
		id = uuid.Must(uuid.NewV4())
	}
	sb.WriteString(id.String())
	sb.WriteString(fileExt)

	return sb.String()
}

func firstNonEmpty(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

// getContentType 根据扩展名推断内容类型
func getContentType(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".txt":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".html", ".htm":
		return "text/html"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
