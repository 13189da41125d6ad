// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lockergw/gateway/internal/log"
)

func reserveListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForListen(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

func TestManager_StartServesRequestsAndStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr := reserveListenAddr(t)
	cfg := DefaultServerConfig(addr)
	cfg.ShutdownTimeout = time.Second

	handler := http.NewServeMux()
	handler.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	m := NewManager(cfg, handler, log.WithComponent("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	waitForListen(t, addr, time.Second)

	resp, err := http.Get("http://" + addr + "/ping")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after context cancellation")
	}
}

func TestManager_ShutdownBeforeStartReturnsError(t *testing.T) {
	m := NewManager(DefaultServerConfig(":0"), http.NotFoundHandler(), log.WithComponent("test"))
	err := m.Shutdown(context.Background())
	assert.True(t, errors.Is(err, ErrManagerNotStarted))
}

func TestManager_RunsShutdownHooksInReverseOrder(t *testing.T) {
	addr := reserveListenAddr(t)
	cfg := DefaultServerConfig(addr)
	cfg.ShutdownTimeout = time.Second

	m := NewManager(cfg, http.NotFoundHandler(), log.WithComponent("test"))

	var order []string
	m.RegisterShutdownHook("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitForListen(t, addr, time.Second)

	cancel()
	<-done

	assert.Equal(t, []string{"second", "first"}, order)
}
