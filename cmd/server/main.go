package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/config"
	"github.com/hearth-chat/hearth/internal/server"
	"github.com/hearth-chat/hearth/internal/store"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Load()

	st, err := openStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	srv := server.New(cfg, st)
	httpServer := server.NewHTTPServer(cfg.Port, srv.Router())

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.Port).Info("Hearth server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logrus.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}

	// Drain HTTP first so no new subscriptions arrive, then drop the live
	// ones.
	_ = server.ShutdownHTTPServer(httpServer, cfg.ShutdownTimeout)
	srv.Shutdown()
	logrus.Info("Shutdown complete")
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DataSourceName == "" {
		logrus.Info("No DATA_SOURCE_NAME set; using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.OpenSQLite(cfg.DataSourceName)
}
