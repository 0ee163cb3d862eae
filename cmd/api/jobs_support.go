package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docling-api/internal/config"
	"github.com/yourusername/docling-api/internal/convert"
	"github.com/yourusername/docling-api/internal/jobs"
)

// openStore は設定に応じたジョブストアのバックエンドを開きます。
// バックエンドの違いはここで吸収し、状態機械やプールの挙動には
// 一切影響させません。
func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		return jobs.OpenSQLiteStore(cfg.StoreSQLitePath)
	case config.StoreBackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return jobs.OpenRedisStore(ctx, cfg.StoreRedisURL)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

// conversionScheduler は convert.Scheduler を Job Queue Manager で実装します。
type conversionScheduler struct {
	manager *jobs.Manager
}

func (s *conversionScheduler) Schedule(ctx context.Context, input convert.Input, jobID string) (string, bool, error) {
	res, err := s.manager.Submit(ctx, input, jobID)
	if err != nil {
		return "", false, err
	}
	return res.JobID, res.Conflict, nil
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.Status(c.Request.Context(), jobID)
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "STORE_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}

func jobListHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := manager.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "STORE_ERROR",
				"message": "ジョブ一覧の取得に失敗しました。",
			})
			return
		}
		if records == nil {
			records = []*jobs.Record{}
		}
		c.JSON(http.StatusOK, gin.H{"jobs": records, "count": len(records)})
	}
}

// jobPruneHandler は終端状態の古いジョブを削除する運用者向け操作です。
func jobPruneHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		hours := 24
		if raw := c.Query("hours"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "hours には正の整数を指定してください。",
				})
				return
			}
			hours = parsed
		}

		pruned, err := manager.Prune(c.Request.Context(), time.Duration(hours)*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "STORE_ERROR",
				"message": "ジョブの削除に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pruned": pruned})
	}
}
