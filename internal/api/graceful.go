package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"
)

// NewHTTPServer creates a configured HTTP server
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// NewHTTPSServerWithConfig creates an HTTPS server with custom TLS configuration
func NewHTTPSServerWithConfig(addr string, certFile, keyFile, minVersion string, handler http.Handler) (*http.Server, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tlsVersion(minVersion),
	}

	srv := NewHTTPServer(addr, handler)
	srv.TLSConfig = tlsConfig
	return srv, nil
}

func tlsVersion(minVersion string) uint16 {
	if minVersion == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

// GracefulShutdown performs graceful shutdown of the HTTP server
func GracefulShutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return srv.Shutdown(ctx)
}
