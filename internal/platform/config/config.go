package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RabbitMQ      RabbitMQConfig      `mapstructure:"rabbitmq"`
	Log           LogConfig           `mapstructure:"log"`
	Security      SecurityConfig      `mapstructure:"security"`
	Attachments   AttachmentsConfig   `mapstructure:"attachments"`
	Messaging     MessagingConfig     `mapstructure:"messaging"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Captcha       CaptchaConfig       `mapstructure:"captcha"`
	Mail          MailConfig          `mapstructure:"mail"`
	Limits        LimitsConfig        `mapstructure:"limits"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	Timeout        int      `mapstructure:"timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TrustedProxies []string `mapstructure:"trusted_proxies"` // 空值表示不信任任何代理標頭
}

// GRPCConfig gRPC 健康檢查服務配置.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
	MySQL MySQLConfig `mapstructure:"mysql"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// MySQLConfig 舊版詢價資料庫（MySQL）配置. DSN 為空時舊版 API 不啟用.
type MySQLConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置（郵件通知偏好）.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
}

// RabbitMQConfig RabbitMQ 配置（郵件通知佇列）.
type RabbitMQConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	Level             string `mapstructure:"level"`               // 最低輸出級別: debug, info, warning, error.
	RotationTimeHours int    `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int    `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int    `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS            TLSConfig            `mapstructure:"tls"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Audit          AuditConfig          `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuthenticationConfig 認證配置.
type AuthenticationConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	Expiration string `mapstructure:"expiration"`
	Issuer     string `mapstructure:"issuer"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// AttachmentsConfig 附件儲存配置.
type AttachmentsConfig struct {
	Root        string `mapstructure:"root"`
	URLPrefix   string `mapstructure:"url_prefix"`
	MaxFiles    int    `mapstructure:"max_files"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// MessagingConfig 訊息行為配置.
type MessagingConfig struct {
	EditWindowMinutes   int `mapstructure:"edit_window_minutes"`
	DeleteWindowMinutes int `mapstructure:"delete_window_minutes"` // 0 表示不限制
	MaxContentLength    int `mapstructure:"max_content_length"`
	PreviewLength       int `mapstructure:"preview_length"`
}

// EditWindow 編輯時間窗口.
func (m MessagingConfig) EditWindow() time.Duration {
	return time.Duration(m.EditWindowMinutes) * time.Minute
}

// DeleteWindow 刪除時間窗口，0 表示不限制.
func (m MessagingConfig) DeleteWindow() time.Duration {
	return time.Duration(m.DeleteWindowMinutes) * time.Minute
}

// NotificationsConfig 通知配置.
type NotificationsConfig struct {
	PushEnabled  bool   `mapstructure:"push_enabled"`
	EmailEnabled bool   `mapstructure:"email_enabled"`
	BaseURL      string `mapstructure:"base_url"`
}

// CaptchaConfig 驗證碼配置.
type CaptchaConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	VerifyURL string `mapstructure:"verify_url"`
	Secret    string `mapstructure:"secret"`
	Timeout   int    `mapstructure:"timeout"`
}

// MailConfig SMTP 配置（mail-worker 使用）.
type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig    `mapstructure:"request"`
	RateLimiting RateLimitingConfig     `mapstructure:"rate_limiting"`
	SSE          SSELimitsConfig        `mapstructure:"sse"`
	Pagination   PaginationLimitsConfig `mapstructure:"pagination"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize        int64 `mapstructure:"max_body_size"`
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// RateLimitingConfig Rate Limiting 配置.
type RateLimitingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultPerMinute int  `mapstructure:"default_per_minute"`
	MessagesPerMin   int  `mapstructure:"messages_per_minute"`
	EnquiriesPerMin  int  `mapstructure:"enquiries_per_minute"`
	CleanupInterval  int  `mapstructure:"cleanup_interval_minutes"`
}

// SSELimitsConfig SSE 限制配置.
type SSELimitsConfig struct {
	MaxConnectionsPerKey  int `mapstructure:"max_connections_per_key"`
	MaxTotalConnections   int `mapstructure:"max_total_connections"`
	MinConnectionInterval int `mapstructure:"min_connection_interval_seconds"`
	HeartbeatInterval     int `mapstructure:"heartbeat_interval_seconds"`
	EventChannelBuffer    int `mapstructure:"event_channel_buffer"`
}

// PaginationLimitsConfig 分頁限制配置.
type PaginationLimitsConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// ENV 當前環境變數.
var ENV = "local"

// Load 載入設定檔. 先讀取 .env（若存在），再由 viper 讀取 yaml.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("讀取 .env 失敗: %w", err)
	}

	v := viper.New()

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		if env := os.Getenv("APP_ENV"); env != "" {
			ENV = env
		}
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	applySecrets(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// setDefaults 預設值，yaml 未提供時使用
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.timeout", 30)
	v.SetDefault("grpc.port", "8081")
	v.SetDefault("database.mongo.max_pool_size", 100)
	v.SetDefault("database.mongo.connect_timeout", 10)
	v.SetDefault("database.mongo.server_selection_timeout", 5)
	v.SetDefault("database.mysql.max_open_conns", 20)
	v.SetDefault("database.mysql.max_idle_conns", 5)
	v.SetDefault("database.mysql.conn_max_lifetime", 300)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.prefix", "chat")
	v.SetDefault("rabbitmq.queue", "chat.email_notifications")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.rotation_time_hours", 24)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("attachments.root", "./data/attachments")
	v.SetDefault("attachments.url_prefix", "/attachments")
	v.SetDefault("attachments.max_files", 10)
	v.SetDefault("attachments.max_file_size", 10<<20)
	v.SetDefault("messaging.edit_window_minutes", 15)
	v.SetDefault("messaging.delete_window_minutes", 0)
	v.SetDefault("messaging.max_content_length", 10000)
	v.SetDefault("messaging.preview_length", 100)
	v.SetDefault("captcha.timeout", 5)
	v.SetDefault("mail.port", 587)
	v.SetDefault("limits.pagination.default_page_size", 50)
	v.SetDefault("limits.pagination.max_page_size", 100)
}

// applySecrets 敏感資訊優先從環境變數讀取
func applySecrets(cfg *Config) {
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		cfg.Database.MySQL.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Security.Authentication.JWTSecret = secret
	}
	if secret := os.Getenv("CAPTCHA_SECRET"); secret != "" {
		cfg.Captcha.Secret = secret
	}
	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		cfg.Mail.Password = password
	}
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		cfg.RabbitMQ.URL = url
	}
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// Validate 驗證配置的有效性
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("配置不能為空")
	}

	// 驗證應用程式配置
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	// 驗證伺服器配置
	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	// 驗證資料庫配置
	if cfg.Database.Mongo.URL == "" {
		return fmt.Errorf("MongoDB URL 不能為空")
	}
	if cfg.Database.Mongo.Database == "" {
		return fmt.Errorf("MongoDB 資料庫名稱不能為空")
	}
	if cfg.Database.Mongo.MaxPoolSize == 0 {
		return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
	}
	if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
		return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
	}

	// 驗證認證配置
	if cfg.Security.Authentication.JWTSecret == "" {
		return fmt.Errorf("JWT secret 不能為空")
	}

	// 驗證訊息配置
	if cfg.Messaging.EditWindowMinutes <= 0 {
		return fmt.Errorf("編輯時間窗口必須大於 0")
	}
	if cfg.Messaging.DeleteWindowMinutes < 0 {
		return fmt.Errorf("刪除時間窗口不能為負數")
	}
	if cfg.Messaging.MaxContentLength <= 0 {
		return fmt.Errorf("訊息最大長度必須大於 0")
	}

	// 驗證附件配置
	if cfg.Attachments.Root == "" {
		return fmt.Errorf("附件儲存路徑不能為空")
	}
	if cfg.Attachments.MaxFiles <= 0 || cfg.Attachments.MaxFileSize <= 0 {
		return fmt.Errorf("附件數量與大小限制必須大於 0")
	}

	if cfg.Captcha.Enabled && cfg.Captcha.VerifyURL == "" {
		return fmt.Errorf("啟用驗證碼時 verify_url 不能為空")
	}

	// 驗證日誌配置
	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func (c *Config) IsDebug() bool {
	return c != nil && c.App.Debug
}

// ServerAddr 取得伺服器地址
func (c *Config) ServerAddr() string {
	if c == nil {
		return "localhost:8080"
	}
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// LegacyEnabled 舊版詢價 API 是否啟用
func (c *Config) LegacyEnabled() bool {
	return c != nil && c.Database.MySQL.DSN != ""
}
