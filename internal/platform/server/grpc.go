package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/health"
	"marketplace-chat/internal/platform/logger"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthPollInterval = 30 * time.Second

// NewGRPCServer 建立只提供標準健康檢查協定的 gRPC 伺服器
func NewGRPCServer(tlsCfg config.TLSConfig) (*grpc.Server, *grpchealth.Server, error) {
	var opts []grpc.ServerOption
	creds, err := LoadTLSCredentials(tlsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load grpc tls: %w", err)
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
		logger.Info(context.Background(), "gRPC TLS 已啟用")
	} else {
		logger.Info(context.Background(), "gRPC 以非加密模式運行（開發環境）")
	}

	srv := grpc.NewServer(opts...)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs, nil
}

// ServeGRPC 監聽並依依賴檢查結果更新服務狀態，ctx 結束時關閉.
func ServeGRPC(ctx context.Context, cfg config.GRPCConfig, tlsCfg config.TLSConfig, checker *health.Handler) error {
	srv, hs, err := NewGRPCServer(tlsCfg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", addr, err)
	}

	go watchHealth(ctx, hs, checker)
	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	logger.Infof(ctx, "gRPC 健康檢查服務監聽: %s", addr)
	return srv.Serve(lis)
}

// watchHealth 定期檢查依賴並更新整體服務狀態
func watchHealth(ctx context.Context, hs *grpchealth.Server, checker *health.Handler) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if checker != nil {
			if _, healthy := checker.CheckDependencies(ctx); !healthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		hs.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
