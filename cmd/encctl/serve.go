package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/multikey-encryption/internal/config"
)

const shutdownTimeout = 30 * time.Second

// newRouter exposes metrics, health and the buffered audit events.
func (a *app) newRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	if a.metrics != nil {
		router.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}

	if a.audit != nil {
		router.HandleFunc("/audit/events", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(a.audit.Events()); err != nil {
				a.logger.WithError(err).Warn("Failed to encode audit events")
			}
		}).Methods(http.MethodGet)
	}

	router.Use(requestLogger(a.logger))
	return router
}

// requestLogger logs one entry per request with status, size and duration.
func requestLogger(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						"panic": rec,
						"path":  r.URL.Path,
					}).Error("Recovered from panic")
					http.Error(rw, "internal server error", http.StatusInternalServerError)
				}
				logger.WithFields(logrus.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   rw.statusCode,
					"bytes":    rw.bytesWritten,
					"duration": time.Since(start).String(),
					"remote":   r.RemoteAddr,
				}).Debug("HTTP request")
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// applyReload swaps in the encryption settings and log level of next.
// Identity settings cannot change at runtime; the reloader rejects them first.
// Nothing is applied unless every new setting is usable.
func (a *app) applyReload(old, next *config.Config) error {
	level, err := logrus.ParseLevel(next.LogLevel)
	if err != nil {
		return err
	}

	policy := keyPolicy(&next.Encryption)
	if policy.RecoveryEnabled && policy.RecoveryKeyID != "" {
		if _, err := a.keys.GetPublicKey(context.Background(), policy.RecoveryKeyID); err != nil {
			return fmt.Errorf("recovery key %s is not usable: %w", policy.RecoveryKeyID, err)
		}
	}

	if next.Encryption != old.Encryption {
		a.sessions.SetEngine(newEngine(&next.Encryption))
		a.keys.SetKeyPolicy(policy)
		a.logger.WithFields(logrus.Fields{
			"cipher":   next.Encryption.Cipher,
			"recovery": policy.RecoveryEnabled,
		}).Info("Encryption settings reloaded")
	}
	a.logger.SetLevel(level)
	a.cfg = next
	return nil
}

func (c *command) serve(ctx context.Context, args []string) error {
	fs := c.flagSet("serve")
	listen := fs.String("listen", ":9090", "Address for the metrics and health endpoints")
	watch := fs.Bool("watch", true, "Reload the configuration file when it changes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return flag.ErrHelp
	}

	a := c.app
	logger := a.logger

	var reloadOpts []config.ReloaderOption
	if _, err := os.Stat(c.configPath); !*watch || err != nil {
		reloadOpts = append(reloadOpts, config.WithoutFileWatch())
	}
	reloader, err := config.NewConfigReloader(c.configPath, a.cfg, logger, reloadOpts...)
	if err != nil {
		return err
	}
	reloader.SetOnReloadCallback(a.applyReload)
	go reloader.Start()
	defer reloader.Stop()

	server := &http.Server{
		Addr:              *listen,
		Handler:           a.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", *listen).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
