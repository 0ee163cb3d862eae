package convert

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UploadConverter は同期変換パスを提供するサービスが実装します。
type UploadConverter interface {
	ConvertUpload(ctx context.Context, fh *multipart.FileHeader) (*Result, error)
}

// UploadSpooler は非同期投入前のスプール処理を提供するサービスが実装します。
type UploadSpooler interface {
	SpoolUpload(ctx context.Context, fh *multipart.FileHeader) (Input, error)
	Discard(input Input) error
}

// Scheduler はスプール済み入力をジョブとして予約します。
// cmd/api 側で Job Queue Manager をラップして実装します。
type Scheduler interface {
	Schedule(ctx context.Context, input Input, jobID string) (id string, conflict bool, err error)
}

// SyncConvertHandler は POST /api/convert のハンドラーを返します。
// 変換を同期実行し、ジョブレコードは作成しません。
func SyncConvertHandler(svc UploadConverter) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := extractUploadFile(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		result, err := svc.ConvertUpload(c.Request.Context(), fh)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":   "success",
			"filename": result.Filename,
			"result":   result,
		})
	}
}

// AsyncConvertHandler は POST /api/convert/async のハンドラーを返します。
// 任意の jobId フォームフィールドでクライアント指定IDを受け付けます。
func AsyncConvertHandler(svc UploadSpooler, scheduler Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := extractUploadFile(c)
		if err != nil {
			respondWithError(c, err)
			return
		}
		jobID := strings.TrimSpace(c.PostForm("jobId"))

		input, err := svc.SpoolUpload(c.Request.Context(), fh)
		if err != nil {
			respondWithError(c, err)
			return
		}

		id, conflict, err := scheduler.Schedule(c.Request.Context(), input, jobID)
		if err != nil {
			_ = svc.Discard(input)
			respondWithError(c, err)
			return
		}
		if conflict {
			// 重複投入はエラーではなく既存ジョブへの収束応答
			_ = svc.Discard(input)
			c.JSON(http.StatusOK, gin.H{"jobId": id, "conflict": true})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": id})
	}
}

func extractUploadFile(c *gin.Context) (*multipart.FileHeader, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, newError(CodeInvalidInput, "multipart/form-data でPDFファイルを送信してください。", err)
	}

	files := form.File["file"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		return nil, newError(CodeInvalidInput, "アップロードされたPDFファイルが見つかりません。", nil)
	}
	if len(files) > 1 {
		return nil, newError(CodeInvalidInput, "一度に送信できるファイルは1つです。", nil)
	}
	return files[0], nil
}

func respondWithError(c *gin.Context, err error) {
	var cerr *Error
	if errors.As(err, &cerr) {
		c.JSON(statusForCode(cerr.Code), gin.H{
			"code":    cerr.Code,
			"message": cerr.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "処理中にエラーが発生しました。",
	})
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnsupportedFile:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
