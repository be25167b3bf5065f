package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"marketplace-chat/internal/platform/config"

	"google.golang.org/grpc/credentials"
)

// LoadTLSConfig 載入伺服器憑證. 未啟用時回傳 nil.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	if cfg.CAFile != "" {
		ca, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		if !certPool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert, // 不要求客戶端憑證
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    certPool,
	}, nil
}

// LoadTLSCredentials 載入 gRPC TLS 憑證. 未啟用時回傳 nil.
func LoadTLSCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	tlsConfig, err := LoadTLSConfig(cfg)
	if err != nil || tlsConfig == nil {
		return nil, err
	}
	return credentials.NewTLS(tlsConfig), nil
}
