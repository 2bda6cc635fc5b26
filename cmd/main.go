package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hzconfig "github.com/cloudwego/hertz/pkg/common/config"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"document-service-go/internal/api/handler"
	"document-service-go/internal/api/router"
	"document-service-go/internal/config"
	appCoreLogger "document-service-go/internal/logger"
	"document-service-go/internal/processor"
	"document-service-go/internal/reconcile"
	"document-service-go/internal/storage"
	"document-service-go/internal/tracing"
)

var (
	version     = "1.0.0"               //nolint:gochecknoglobals
	serviceName = "document-service-go" //nolint:gochecknoglobals
)

// @title Document Service API
// @version 1.0
// @description 异步文档上传管道的API文档。
// @BasePath /api/v1
func main() {
	initLogger()

	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 链路追踪
	var shutdownTracing func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracing, err = tracing.InitProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint, cfg.Tracing.SamplerRatio)
		if err != nil {
			glog.Warnf("初始化链路追踪失败: %v", err)
		} else {
			glog.Info("链路追踪初始化成功")
		}
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	// 文档处理器与消费者
	var procDeduper processor.FileDeduper
	if storageManager.Redis != nil {
		procDeduper = storageManager.Redis
	}
	docProcessor := processor.NewDocumentProcessor(storageManager.MySQL, storageManager.MinIO, procDeduper)
	docConsumer := processor.NewDocumentConsumer(storageManager.RabbitMQ, docProcessor, &cfg.RabbitMQ)
	if err := docConsumer.Start(ctx); err != nil {
		glog.Fatalf("启动文档消费者失败: %v", err)
	}
	glog.Info("文档消费者已启动")

	// 滞留文档补偿器
	reconciler := reconcile.NewUploadReconciler(storageManager.MySQL, storageManager.RabbitMQ, cfg)
	reconciler.Start()
	glog.Info("上传补偿器已启动")

	// HTTP入口
	var deduper handler.FileDeduper
	if storageManager.Redis != nil {
		deduper = storageManager.Redis
	}
	docHandler := handler.NewDocumentHandler(
		storageManager.MySQL,
		storageManager.MinIO,
		storageManager.RabbitMQ,
		deduper,
		cfg.RabbitMQ.Exchange,
		cfg.Upload.MaxFileSize(),
	)

	serverOpts := []hzconfig.Option{
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithMaxRequestBodySize(int(cfg.Upload.MaxFileSize()) + 1<<20),
	}
	var traceCfg *hertztracing.Config
	if cfg.Tracing.Enabled {
		tracer, traceConfig := hertztracing.NewServerTracer()
		serverOpts = append(serverOpts, tracer)
		traceCfg = traceConfig
	}

	h := server.New(serverOpts...)
	if traceCfg != nil {
		h.Use(hertztracing.ServerMiddleware(traceCfg))
	}
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	router.RegisterRoutes(h, docHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	// 先停止入口流量，再停后台组件
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("HTTP服务器关闭失败: %v", err)
	}

	reconciler.Stop()
	glog.Info("上传补偿器已停止")

	docConsumer.Stop()
	glog.Info("文档消费者已停止")

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			glog.Warnf("关闭链路追踪失败: %v", err)
		}
	}

	glog.Info("优雅退出完成")
}

func initLogger() {
	logFilePath := "logs/app.log"
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatalf("无法创建日志目录: %v", err)
	}
	fileWriter, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("无法打开日志文件 %s: %v", logFilePath, err)
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}

	multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)

	level := zerolog.InfoLevel
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = "15:04:05"

	logger := zerolog.New(multiWriter).With().Timestamp().Caller().Logger()

	// 同时接管应用logger与zerolog stdlib包装
	appCoreLogger.Logger = logger
	zlog.Logger = logger

	// 通过适配器接管Hertz的glog
	hertzCompatibleLogger := hertzadapter.From(appCoreLogger.Logger)
	glog.SetLogger(hertzCompatibleLogger)
	glog.SetLevel(glog.LevelInfo)

	log.Println("Logger initialized with Zerolog, writing to console and file:", logFilePath)
}
