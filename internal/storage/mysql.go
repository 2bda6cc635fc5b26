package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"document-service-go/internal/config"
	"document-service-go/internal/storage/models"
	"document-service-go/internal/types"
)

var mysqlTracer = otel.Tracer("document-service-go/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	dbSystem       string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		sqlStatement := db.Statement.SQL.String()
		if sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", sqlStatement),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		// 将span保存在DB上下文中，以便在after回调中使用
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		// ErrRecordNotFound 是业务逻辑正常情况的一部分，不作为错误处理
		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.SetAttributes(attribute.String("error.message", db.Error.Error()))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		dbSystem:       "mysql",
		disableErrSkip: true,
	}
}

// WithDisableErrSkip 设置是否禁用错误跳过
func (p *GormTracingPlugin) WithDisableErrSkip(disable bool) *GormTracingPlugin {
	p.disableErrSkip = disable
	return p
}

// Database 关系数据库接口
type Database interface {
	// DB 返回GORM数据库连接实例
	DB() *gorm.DB

	// Close 关闭数据库连接
	Close() error
}

// 确保MySQL实现了Database接口
var _ Database = (*MySQL)(nil)

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel gormlogger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = gormlogger.Silent
	case 2:
		logLevel = gormlogger.Error
	case 3:
		logLevel = gormlogger.Warn
	case 4:
		logLevel = gormlogger.Info
	default:
		logLevel = gormlogger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	tracingPlugin := NewGormTracingPlugin(cfg.Database).WithDisableErrSkip(true)
	if err := db.Use(tracingPlugin); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	// 迁移期间关闭SQL日志打印
	silentLogger := gormlogger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.Document{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreateDocument 插入文档元数据记录，主键冲突视为幂等重放
func (m *MySQL) CreateDocument(ctx context.Context, doc *models.Document) error {
	err := m.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document_id"}),
		}).Create(doc).Error
	if err != nil {
		return fmt.Errorf("创建文档记录失败: %w", err)
	}
	return nil
}

// GetDocumentByID 按主键查询文档，不存在时返回 gorm.ErrRecordNotFound
func (m *MySQL) GetDocumentByID(ctx context.Context, documentID string) (*models.Document, error) {
	var doc models.Document
	err := m.db.WithContext(ctx).First(&doc, "document_id = ?", documentID).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocumentsByClient 按客户ID查询文档列表
func (m *MySQL) ListDocumentsByClient(ctx context.Context, clientID string) ([]models.Document, error) {
	return m.listDocuments(ctx, "client_id = ?", clientID)
}

// ListDocumentsByJob 按岗位ID查询文档列表
func (m *MySQL) ListDocumentsByJob(ctx context.Context, jobID string) ([]models.Document, error) {
	return m.listDocuments(ctx, "job_id = ?", jobID)
}

// ListDocumentsByUser 按用户ID查询文档列表
func (m *MySQL) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return m.listDocuments(ctx, "user_id = ?", userID)
}

// ListDocumentsByStatus 按落库状态查询文档列表。status为expired时
// 不走status列，改为按expired_date过滤。
func (m *MySQL) ListDocumentsByStatus(ctx context.Context, status types.DocumentStatus, now time.Time) ([]models.Document, error) {
	if status == types.StatusExpired {
		return m.ListExpiredDocuments(ctx, now)
	}
	return m.listDocuments(ctx, "status = ?", string(status))
}

// ListExpiredDocuments 查询已过期的文档
func (m *MySQL) ListExpiredDocuments(ctx context.Context, now time.Time) ([]models.Document, error) {
	return m.listDocuments(ctx, "expired_date IS NOT NULL AND expired_date < ?", now)
}

func (m *MySQL) listDocuments(ctx context.Context, query string, args ...interface{}) ([]models.Document, error) {
	var docs []models.Document
	err := m.db.WithContext(ctx).
		Where(query, args...).
		Order("upload_date DESC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("查询文档列表失败: %w", err)
	}
	return docs, nil
}

// TransitionDocumentStatus 条件推进文档状态。只有当前状态等于from时才更新，
// 返回是否实际发生了转移。并发重放下失败方拿到false而不是覆盖。
func (m *MySQL) TransitionDocumentStatus(ctx context.Context, documentID string, from, to types.DocumentStatus) (bool, error) {
	if !types.CanTransition(from, to) {
		return false, fmt.Errorf("非法的状态转移: %s -> %s", from, to)
	}

	result := m.db.WithContext(ctx).Model(&models.Document{}).
		Where("document_id = ? AND status = ?", documentID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return false, fmt.Errorf("推进文档状态失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkDocumentUploaded 将processing状态的文档置为uploaded并写入存储位置。
// 返回false表示记录不在processing状态，调用方应放弃本次写入。
func (m *MySQL) MarkDocumentUploaded(ctx context.Context, documentID, storageKey, storageURL string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.Document{}).
		Where("document_id = ? AND status = ?", documentID, string(types.StatusProcessing)).
		Updates(map[string]interface{}{
			"status":      string(types.StatusUploaded),
			"storage_key": storageKey,
			"storage_url": storageURL,
		})
	if result.Error != nil {
		return false, fmt.Errorf("标记文档已上传失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkDocumentFailed 将processing状态的文档置为failed
func (m *MySQL) MarkDocumentFailed(ctx context.Context, documentID string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.Document{}).
		Where("document_id = ? AND status = ?", documentID, string(types.StatusProcessing)).
		Update("status", string(types.StatusFailed))
	if result.Error != nil {
		return false, fmt.Errorf("标记文档失败状态出错: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FetchStuckUploadingDocuments 在事务中锁定并返回滞留在uploading状态
// 超过阈值的文档，供补偿器重发消息。SKIP LOCKED保证多实例互不阻塞。
func (m *MySQL) FetchStuckUploadingDocuments(ctx context.Context, olderThan time.Time, limit int, fn func(tx *gorm.DB, docs []models.Document) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var docs []models.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND updated_at < ?", string(types.StatusUploading), olderThan).
			Order("updated_at ASC").
			Limit(limit).
			Find(&docs).Error
		if err != nil {
			return fmt.Errorf("查询滞留文档失败: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		return fn(tx, docs)
	})
}
