package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 32 << 20 // 32MB，附件上傳
	DefaultRequestTimeout     = 30       // 秒
)

// 分頁相關常數
const (
	DefaultPageSize          = 50
	DefaultMaxPageSize       = 100
	DefaultConversationLimit = 200
	MinPageSize              = 1
)

// 訊息相關常數
const (
	DefaultMaxContentLength  = 10000
	DefaultPreviewLength     = 100
	DefaultEditWindowMinutes = 15
	MaxEmojiLength           = 32
	EventChannelBuffer       = 16
)

// 附件相關常數
const (
	DefaultMaxAttachments    = 10
	DefaultMaxAttachmentSize = 10 << 20 // 10MB
	MaxExtensionLength       = 10
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultMessageRateLimit     = 30
	DefaultEnquiryRateLimit     = 10
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// SSE 連接相關常數
const (
	DefaultSSEMaxConnectionsPerKey  = 3
	DefaultSSEMaxTotalConnections   = 1000
	DefaultSSEMinConnectionInterval = 2  // 秒
	DefaultSSEHeartbeatInterval     = 15 // 秒
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)

// 來源標記
const (
	SourceUnified = "unified"
	SourceLegacy  = "legacy"
)
