// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/docling-api/internal/auth"
	"github.com/yourusername/docling-api/internal/config"
	"github.com/yourusername/docling-api/internal/convert"
	"github.com/yourusername/docling-api/internal/jobs"
	"github.com/yourusername/docling-api/internal/storage"
	"github.com/yourusername/docling-api/internal/warmup"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// 入力スプールと変換サービスの初期化
	spool, err := storage.NewLocal(cfg.UploadDir)
	if err != nil {
		log.Fatalf("Failed to init upload storage: %v", err)
	}
	converterSvc := convert.NewService(spool, convert.NewPDFConverter(), cfg.MaxFileSize)

	// ジョブストアの初期化（バックエンドは設定で切り替え）
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer func() { _ = store.Close() }()

	// ワーカープールとジョブマネージャーの初期化
	pool := jobs.NewPool(cfg.WorkerCount, logger)
	manager, err := jobs.NewManager(store, pool, converterSvc, deploymentID(cfg), logger)
	if err != nil {
		log.Fatalf("Failed to init job manager: %v", err)
	}

	// ウォームアップ。成功するまでリスナーを起動しない。
	coordinator := warmup.NewCoordinator(converterSvc, manager, cfg.WarmupDir, cfg.WarmupTimeout, logger)
	if cfg.WarmupDir == "" {
		logger.Printf("warmup disabled (WARMUP_DIR is empty)")
		coordinator.Skip()
	} else {
		logger.Printf("starting warmup from %s", cfg.WarmupDir)
		if err := coordinator.Run(context.Background()); err != nil {
			log.Fatalf("Warmup failed, refusing to serve traffic: %v", err)
		}
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// セッションストアの設定（運用者認証が構成されている場合のみ）
	authManager := auth.NewManager(cfg)
	if authManager.Enabled() {
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	// ルーティングの設定
	setupRoutes(router, authManager, converterSvc, manager, coordinator)

	// サーバーの起動とグレースフルシャットダウン
	addr := ":" + cfg.Port
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Printf("Starting API server on %s (mode: %s, workers: %d, store: %s)",
			addr, cfg.GinMode, pool.Workers(), cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	// 実行中のジョブを取りこぼさないよう、ストア更新まで完了させてから終了する
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Printf("worker pool shutdown: %v", err)
	}
}

// setupRoutes は API グループと運用者向けエンドポイントの配線を行います。
func setupRoutes(
	router *gin.Engine,
	authManager *auth.Manager,
	converterSvc *convert.Service,
	manager *jobs.Manager,
	coordinator *warmup.Coordinator,
) {
	// 誰でも叩けるヘルスチェックと readiness
	router.GET("/health", healthHandler(coordinator))
	router.GET("/ready", readyHandler(coordinator))

	api := router.Group("/api")
	{
		if authManager.Enabled() {
			authRoutes := api.Group("/auth")
			{
				// ログイン時はセッション未生成なので CSRF 検証は不要
				authRoutes.POST("/login", authManager.Login)
				authRoutes.POST("/logout",
					authManager.RequireLogin(),
					authManager.VerifyCSRF(),
					authManager.Logout,
				)
			}
		}

		scheduler := &conversionScheduler{manager: manager}
		api.POST("/convert", convert.SyncConvertHandler(converterSvc))
		api.POST("/convert/async", convert.AsyncConvertHandler(converterSvc, scheduler))

		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.GET("/:id", jobStatusHandler(manager))
			jobRoutes.GET("", jobListHandler(manager))
			// 削除は運用者操作。認証が構成されていればその背後に置く。
			jobRoutes.DELETE("/prune",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				jobPruneHandler(manager),
			)
		}
	}
}

// healthHandler はウォームアップ状態つきのヘルスチェックです。
func healthHandler(coordinator *warmup.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "docling-api",
			"version": "1.4.0",
			"warmup":  coordinator.Status(),
		})
	}
}

// readyHandler はウォームアップ完了後のみ 200 を返します。
func readyHandler(coordinator *warmup.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !coordinator.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	}
}

// deploymentID は設定値、なければ起動時刻から識別子を生成します。
func deploymentID(cfg *config.Config) string {
	if cfg.DeploymentID != "" {
		return cfg.DeploymentID
	}
	return time.Now().UTC().Format("20060102_150405")
}
