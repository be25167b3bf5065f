package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"marketplace-chat/internal/platform/config"

	"github.com/google/uuid"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// Severity GCP Cloud Logging 嚴重級別
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityNotice   Severity = "NOTICE"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityNotice:   2,
	SeverityWarning:  3,
	SeverityError:    4,
	SeverityCritical: 5,
}

// output 日誌輸出設定. file 為 nil 時只寫 stdout.
type output struct {
	mu       sync.Mutex
	file     io.Writer
	stdout   io.Writer
	minLevel Severity
	project  string
	service  string
}

var out = &output{
	stdout:   os.Stdout,
	minLevel: SeverityDebug,
	project:  "local-dev",
	service:  "marketplace-chat",
}

type traceKey struct{}

// InitLogger 初始化日誌：stdout 加上依時間與大小輪轉的檔案.
func InitLogger(cfg config.LogConfig) error {
	logDir := envOr("LOG_PATH", "./logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	service := envOr("SERVICE_NAME", "marketplace-chat")
	logFileName := filepath.Join(logDir, service+".log")
	writer, err := rotatelogs.New(
		logFileName+".%Y%m%d",
		rotatelogs.WithLinkName(logFileName),
		rotatelogs.WithRotationTime(time.Duration(positive(cfg.RotationTimeHours, 24))*time.Hour),
		rotatelogs.WithMaxAge(time.Duration(positive(cfg.MaxAgeDays, 30))*24*time.Hour),
		rotatelogs.WithRotationSize(int64(positive(cfg.MaxSizeMB, 100))*1024*1024),
	)
	if err != nil {
		return fmt.Errorf("init log rotation: %w", err)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	out.file = writer
	out.project = envOr("GCP_PROJECT_ID", "local-dev")
	out.service = service
	out.minLevel = ParseSeverity(cfg.Level)
	return nil
}

// ParseSeverity 解析配置中的級別名稱，無法辨識時為 DEBUG
func ParseSeverity(level string) Severity {
	s := Severity(strings.ToUpper(strings.TrimSpace(level)))
	if _, ok := severityRank[s]; ok {
		return s
	}
	return SeverityDebug
}

// SetOutput 替換檔案輸出（測試用），傳入 nil 表示只寫 stdout
func SetOutput(w io.Writer) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.file = w
}

// SetLevel 設定最低輸出級別
func SetLevel(level Severity) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.minLevel = level
}

// CloseLogger 關閉日誌檔案
func CloseLogger() {
	out.mu.Lock()
	defer out.mu.Unlock()
	closer, ok := out.file.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
	}
	out.file = nil
}

func (o *output) enabled(severity Severity) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return severityRank[severity] >= severityRank[o.minLevel]
}

func (o *output) write(entry *LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file != nil {
		_, _ = o.file.Write(data)
	}
	_, _ = o.stdout.Write(data)
}

// GetTraceID 從 context 取得 GCP 格式的 trace: projects/<project>/traces/<id>
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, ok := ctx.Value(traceKey{}).(string)
	if !ok || traceID == "" {
		return ""
	}
	out.mu.Lock()
	project := out.project
	out.mu.Unlock()
	return "projects/" + project + "/traces/" + traceID
}

// WithTraceID 將 trace ID（即 request ID）放入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// Log 通用日誌方法. 低於最低級別的日誌直接略過.
func Log(ctx context.Context, severity Severity, message string, opts ...LogOption) {
	if !out.enabled(severity) {
		return
	}

	out.mu.Lock()
	service := out.service
	out.mu.Unlock()

	entry := &LogEntry{
		Severity:       severity,
		Message:        message,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:        GetTraceID(ctx),
		SourceLocation: sourceLocation(3),
		InsertID:       uuid.NewString(),
		Labels:         map[string]string{"service": service},
	}
	for _, opt := range opts {
		opt(entry)
	}

	out.write(entry)
}

func sourceLocation(skip int) *SourceLocation {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return nil
	}
	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
	}
	return &SourceLocation{File: filepath.Base(file), Line: int64(line), Function: funcName}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Debug 記錄 DEBUG 級別日誌
func Debug(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityDebug, message, opts...)
}

// Info 記錄 INFO 級別日誌
func Info(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityInfo, message, opts...)
}

// Notice 稽核事件使用
func Notice(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityNotice, message, opts...)
}

// Warning 記錄 WARNING 級別日誌
func Warning(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityWarning, message, opts...)
}

// Error 記錄 ERROR 級別日誌
func Error(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityError, message, opts...)
}

// Critical 記錄 CRITICAL 級別日誌
func Critical(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityCritical, message, opts...)
}

// Infof 格式化 INFO 日誌
func Infof(ctx context.Context, format string, args ...interface{}) {
	Info(ctx, fmt.Sprintf(format, args...))
}

// Errorf 格式化 ERROR 日誌
func Errorf(ctx context.Context, format string, args ...interface{}) {
	Error(ctx, fmt.Sprintf(format, args...))
}
