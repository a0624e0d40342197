package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// NewHTTPServer wraps a handler in an http.Server with production timeout
// defaults. WebSocket upgrades opt out of the write timeout via their hijacked
// connections; the read timeout only bounds the initial handshake.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownHTTPServer drains the HTTP server, waiting for active requests up
// to the timeout.
func ShutdownHTTPServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown error")
		return err
	}
	logrus.Info("HTTP server shutdown completed")
	return nil
}
