package router

import (
	"context"
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"document-service-go/internal/api/handler"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, docHandler *handler.DocumentHandler) {
	api := h.Group("/api/v1")

	api.POST("/documents/upload", func(c context.Context, ctx *app.RequestContext) {
		fileHeader, err := ctx.FormFile("file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
			return
		}

		req := handler.UploadRequest{
			Filename:     fileHeader.Filename,
			Name:         ctx.PostForm("name"),
			DocumentType: ctx.PostForm("document_type"),
			ClientID:     ctx.PostForm("client_id"),
			JobID:        ctx.PostForm("job_id"),
			UserID:       ctx.PostForm("user_id"),
			Description:  ctx.PostForm("description"),
			MetadataJSON: ctx.PostForm("metadata"),
			ContentType:  fileHeader.Header.Get("Content-Type"),
			ExpiredDate:  ctx.PostForm("expired_date"),
		}
		if tags := ctx.PostFormArray("tags"); len(tags) > 0 {
			req.Tags = tags
		}

		file, err := fileHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
			return
		}
		defer file.Close()

		resp, err := docHandler.HandleDocumentUpload(c, file, fileHeader.Size, req)
		if err != nil {
			ctx.JSON(statusForUploadError(err), utils.H{"error": err.Error()})
			return
		}

		ctx.JSON(consts.StatusAccepted, resp)
	})

	api.GET("/documents/expired", func(c context.Context, ctx *app.RequestContext) {
		views, err := docHandler.ListExpired(c)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"documents": views})
	})

	api.GET("/documents/status/:status", func(c context.Context, ctx *app.RequestContext) {
		views, err := docHandler.ListByStatus(c, ctx.Param("status"))
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"documents": views})
	})

	api.GET("/documents/client/:client_id", func(c context.Context, ctx *app.RequestContext) {
		listResponse(c, ctx, docHandler.ListByClient, ctx.Param("client_id"))
	})

	api.GET("/documents/job/:job_id", func(c context.Context, ctx *app.RequestContext) {
		listResponse(c, ctx, docHandler.ListByJob, ctx.Param("job_id"))
	})

	api.GET("/documents/user/:user_id", func(c context.Context, ctx *app.RequestContext) {
		listResponse(c, ctx, docHandler.ListByUser, ctx.Param("user_id"))
	})

	api.GET("/documents/:id", func(c context.Context, ctx *app.RequestContext) {
		view, err := docHandler.GetDocument(c, ctx.Param("id"))
		if err != nil {
			if errors.Is(err, handler.ErrDocumentNotFound) {
				ctx.JSON(consts.StatusNotFound, utils.H{"error": err.Error()})
				return
			}
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, view)
	})

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}

// listResponse 查询列表的公共收尾
func listResponse(c context.Context, ctx *app.RequestContext, list func(context.Context, string) ([]*handler.DocumentView, error), id string) {
	views, err := list(c, id)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"documents": views})
}

// statusForUploadError 哨兵错误到HTTP状态码的映射
func statusForUploadError(err error) int {
	switch {
	case errors.Is(err, handler.ErrFileTooLarge):
		return consts.StatusRequestEntityTooLarge
	case errors.Is(err, handler.ErrMissingFile),
		errors.Is(err, handler.ErrMissingExtension),
		errors.Is(err, handler.ErrInvalidDocumentType),
		errors.Is(err, handler.ErrInvalidExpiredDate),
		errors.Is(err, handler.ErrInvalidMetadata):
		return consts.StatusBadRequest
	default:
		return consts.StatusInternalServerError
	}
}
