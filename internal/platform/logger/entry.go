package logger

// LogEntry 一行 JSON 日誌. 欄位名稱遵循 GCP Cloud Logging 結構化格式.
type LogEntry struct {
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      string            `json:"timestamp"`
	TraceID        string            `json:"trace,omitempty"`
	HTTPRequest    *HTTPRequest      `json:"httpRequest,omitempty"`
	SourceLocation *SourceLocation   `json:"sourceLocation,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	InsertID       string            `json:"insertId,omitempty"`

	UserID         string                 `json:"userId,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
	MessageID      string                 `json:"messageId,omitempty"`
	Action         string                 `json:"action,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// HTTPRequest 存取日誌的請求資訊
type HTTPRequest struct {
	RequestMethod string `json:"requestMethod,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	Status        int    `json:"status,omitempty"`
	ResponseSize  int64  `json:"responseSize,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	RemoteIP      string `json:"remoteIp,omitempty"`
	Latency       string `json:"latency,omitempty"` // "1.234s"
}

// SourceLocation 呼叫位置
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int64  `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// LogOption 日誌選項
type LogOption func(*LogEntry)

// WithUserID 添加用戶 ID
func WithUserID(userID string) LogOption {
	return func(e *LogEntry) { e.UserID = userID }
}

// WithConversationID 添加對話 ID. 舊版 thread 與其鏡像共用同一個 ID.
func WithConversationID(conversationID string) LogOption {
	return func(e *LogEntry) { e.ConversationID = conversationID }
}

// WithMessageID 添加訊息 ID
func WithMessageID(messageID string) LogOption {
	return func(e *LogEntry) { e.MessageID = messageID }
}

// WithAction 添加操作名稱
func WithAction(action string) LogOption {
	return func(e *LogEntry) { e.Action = action }
}

// WithDetails 合併到 details
func WithDetails(details map[string]interface{}) LogOption {
	return func(e *LogEntry) {
		for k, v := range details {
			e.detail(k, v)
		}
	}
}

// WithError 將錯誤寫入 details.error
func WithError(err error) LogOption {
	return func(e *LogEntry) {
		if err != nil {
			e.detail("error", err.Error())
		}
	}
}

// WithHTTPRequest 添加 HTTP 請求資訊
func WithHTTPRequest(req *HTTPRequest) LogOption {
	return func(e *LogEntry) { e.HTTPRequest = req }
}

// WithLabels 添加標籤
func WithLabels(labels map[string]string) LogOption {
	return func(e *LogEntry) {
		if e.Labels == nil {
			e.Labels = make(map[string]string, len(labels))
		}
		for k, v := range labels {
			e.Labels[k] = v
		}
	}
}

func (e *LogEntry) detail(key string, value interface{}) {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
}
