package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"marketplace-chat/internal/platform/logger"
)

// HTTPOptions HTTP 伺服器參數
type HTTPOptions struct {
	Addr        string
	ReadTimeout time.Duration
	TLS         *tls.Config
}

// Serve 啟動 HTTP 伺服器，ctx 結束時優雅關閉.
func Serve(ctx context.Context, opts HTTPOptions, handler http.Handler) error {
	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: 0, // SSE 需要長連接，設為 0 表示不超時
		IdleTimeout:  120 * time.Second,
		TLSConfig:    opts.TLS,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof(ctx, "伺服器正在監聽: %s (TLS: %t)", opts.Addr, opts.TLS != nil)
		var err error
		if opts.TLS != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Errorf(ctx, "伺服器啟動失敗: %v", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof(context.Background(), "收到關閉信號，正在優雅關閉伺服器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf(shutdownCtx, "伺服器關閉失敗: %v", err)
		return err
	}

	logger.Infof(shutdownCtx, "伺服器已優雅關閉")
	return nil
}
