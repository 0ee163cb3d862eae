// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ストアバックエンドの種別。
const (
	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ処理設定
	WorkerCount  int    // ワーカープールの同時実行数 W
	DeploymentID string // このデプロイの識別子（空の場合は起動時に生成）

	// ジョブストア設定
	StoreBackend    string // sqlite または redis
	StoreSQLitePath string // sqlite バックエンドのDBファイルパス
	StoreRedisURL   string // redis バックエンドの接続URL

	// アップロード設定
	UploadDir   string // 入力ファイルのスプールディレクトリ
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）

	// ウォームアップ設定
	WarmupDir     string        // フィクスチャPDFのディレクトリ（空で無効化）
	WarmupTimeout time.Duration // ウォームアップ全体のタイムアウト

	// 運用者認証設定（未設定の場合は認証なし）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ジョブ処理設定
		WorkerCount:  getEnvAsInt("WORKER_COUNT", 4),
		DeploymentID: getEnv("DEPLOYMENT_ID", ""),

		// ジョブストア設定
		StoreBackend:    getEnv("STORE_BACKEND", StoreBackendSQLite),
		StoreSQLitePath: getEnv("STORE_SQLITE_PATH", "/tmp/docling_jobs.db"),
		StoreRedisURL:   getEnv("STORE_REDIS_URL", "redis://127.0.0.1:6379/0"),

		// アップロード設定
		UploadDir:   getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "docling-uploads")),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// ウォームアップ設定
		WarmupDir:     getEnv("WARMUP_DIR", "warmup_files"),
		WarmupTimeout: time.Duration(getEnvAsInt("WARMUP_TIMEOUT_SECONDS", 300)) * time.Second,

		// 運用者認証設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendSQLite:
		if c.StoreSQLitePath == "" {
			return fmt.Errorf("STORE_SQLITE_PATH is required for the sqlite backend")
		}
	case StoreBackendRedis:
		if c.StoreRedisURL == "" {
			return fmt.Errorf("STORE_REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q (got %q)",
			StoreBackendSQLite, StoreBackendRedis, c.StoreBackend)
	}

	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive (got %d)", c.WorkerCount)
	}

	// 認証は任意だが、設定するなら3点セットで必要
	if c.AuthEnabled() {
		if c.AppUsername == "" || c.AppPasswordHash == "" || c.SessionSecret == "" {
			return fmt.Errorf("APP_USERNAME, APP_PASSWORD_HASH and SESSION_SECRET must be set together")
		}
	}

	if c.GinMode == "release" && c.WarmupDir == "" {
		return fmt.Errorf("WARMUP_DIR is required in release mode")
	}

	return nil
}

// AuthEnabled は運用者認証が構成されているかどうかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" || c.AppPasswordHash != "" || c.SessionSecret != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
