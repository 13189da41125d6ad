// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon's HTTP server lifecycle: start, serve,
// shutdown, plus a place for owned background resources (the serial
// transport, the database handle) to register cleanup.
type Manager interface {
	// Start starts the API server and blocks until ctx is cancelled or the
	// server fails.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the server and runs every registered hook.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

// ServerConfig tunes the HTTP server's network behavior. It is
// deliberately separate from config.Bootstrap: bootstrap describes where
// to listen, ServerConfig describes how patiently to do it.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
}

// DefaultServerConfig returns conservative timeouts sized for kiosk
// devices on an internal LAN, not public internet exposure.
func DefaultServerConfig(listenAddr string) ServerConfig {
	return ServerConfig{
		ListenAddr:      listenAddr,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxHeaderBytes:  1 << 20,
	}
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// manager implements Manager around a single *http.Server carrying the
// gateway's HTTP/JSON surface.
type manager struct {
	cfg     ServerConfig
	handler http.Handler
	logger  zerolog.Logger

	server *http.Server

	mu            sync.Mutex
	started       bool
	shutdownHooks []namedHook
}

// NewManager builds a Manager that serves handler on cfg.ListenAddr.
func NewManager(cfg ServerConfig, handler http.Handler, logger zerolog.Logger) Manager {
	return &manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "daemon.manager").Logger(),
	}
}

func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon: manager already started")
	}
	m.started = true
	m.server = &http.Server{
		Addr:              m.cfg.ListenAddr,
		Handler:           m.handler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		MaxHeaderBytes:    m.cfg.MaxHeaderBytes,
	}
	m.mu.Unlock()

	m.logger.Info().Str("addr", m.cfg.ListenAddr).Msg("API server listening")

	errChan := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
			return
		}
		errChan <- nil
	}()

	select {
	case err := <-errChan:
		if err != nil {
			m.logger.Error().Err(err).Msg("API server failed")
			if shutdownErr := m.Shutdown(context.Background()); shutdownErr != nil {
				return fmt.Errorf("%w (shutdown: %v)", err, shutdownErr)
			}
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(context.Background())
	}
}

func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrManagerNotStarted
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	for i := len(m.shutdownHooks) - 1; i >= 0; i-- {
		h := m.shutdownHooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("daemon: shutdown errors: %v", errs)
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}

func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
}
