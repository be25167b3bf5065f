package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

const (
	// 健康狀態常數.
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"
	statusDegraded  = "degraded"
	statusDisabled  = "disabled"

	// 記憶體相關常數.
	memoryMB        = 1024 * 1024
	memoryThreshold = 1024 // 1GB

	// 超時常數.
	checkTimeout = 5 * time.Second
)

// Pinger 可檢查連線的依賴.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 以函式實作 Pinger.
type PingFunc func(ctx context.Context) error

// Ping 呼叫函式本身.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check 具名的依賴檢查. Pinger 為 nil 表示該依賴未啟用.
type Check struct {
	Name   string
	Pinger Pinger
}

// Handler 健康檢查處理器.
type Handler struct {
	app    config.AppConfig
	checks []Check
}

// NewHealthHandler 創建新的健康檢查處理器.
func NewHealthHandler(app config.AppConfig, checks ...Check) *Handler {
	return &Handler{app: app, checks: checks}
}

// DependencyStatus 單一依賴的檢查結果.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CheckDependencies 檢查所有依賴. 任一啟用中的依賴失敗時 healthy 為 false.
func (h *Handler) CheckDependencies(ctx context.Context) (map[string]DependencyStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make(map[string]DependencyStatus, len(h.checks))
	healthy := true
	for _, check := range h.checks {
		if check.Pinger == nil {
			results[check.Name] = DependencyStatus{Status: statusDisabled}
			continue
		}
		if err := check.Pinger.Ping(ctx); err != nil {
			healthy = false
			results[check.Name] = DependencyStatus{Status: statusUnhealthy, Error: err.Error()}
			logger.Error(ctx, fmt.Sprintf("健康檢查 - %s 連線失敗", check.Name), logger.WithError(err))
			continue
		}
		results[check.Name] = DependencyStatus{Status: statusHealthy}
	}
	return results, healthy
}

// HealthCheck 健康檢查端點.
func (h *Handler) HealthCheck(c *gin.Context) {
	deps, healthy := h.CheckDependencies(c.Request.Context())
	systemStatus := h.checkSystemResources()

	// 從環境變數讀取版本，沒有則用配置
	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = h.app.Version
	}
	if appVersion == "" {
		appVersion = "NO_VERSION_SET"
	}

	status := statusHealthy
	if !healthy {
		status = statusDegraded
	}

	// 依賴不健康時仍回傳 200，讓監控系統知道服務本身是正常的.
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"app": gin.H{
			"name":    h.app.Name,
			"version": appVersion,
			"debug":   h.app.Debug,
		},
		"dependencies": deps,
		"system": gin.H{
			"status":  systemStatus.Status,
			"details": systemStatus.Details,
			"uptime":  time.Since(startTime).String(),
		},
	})
}

// SystemStatus 系統狀態.
type SystemStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// checkSystemResources 檢查系統資源.
func (h *Handler) checkSystemResources() SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":  fmt.Sprintf("%.2f MB", float64(m.Alloc)/memoryMB),
			"sys":    fmt.Sprintf("%.2f MB", float64(m.Sys)/memoryMB),
			"num_gc": m.NumGC,
		},
		"cpu": gin.H{
			"num_cpu": runtime.NumCPU(),
		},
	}

	status := statusHealthy
	if m.Sys/memoryMB > memoryThreshold {
		status = statusWarning
		details["memory_warning"] = "Memory usage is high"
	}

	return SystemStatus{Status: status, Details: details}
}

// 記錄服務啟動時間.
var startTime = time.Now()
