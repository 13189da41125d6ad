package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockergw/gateway/internal/config"
)

func TestPerformStartupChecks_PassesWithValidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultBootstrap()
	cfg.DBPath = filepath.Join(dir, "locker-gateway.db")
	cfg.SerialPort = "" // no device expected in CI

	err := PerformStartupChecks(context.Background(), cfg)
	require.NoError(t, err)
}

func TestPerformStartupChecks_FailsOnInvalidListenAddr(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultBootstrap()
	cfg.DBPath = filepath.Join(dir, "locker-gateway.db")
	cfg.ListenAddr = "not-an-address"

	err := PerformStartupChecks(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPerformStartupChecks_FailsWhenDBDirUnwritable(t *testing.T) {
	dir := t.TempDir()
	// A regular file in place of the expected parent directory makes
	// MkdirAll fail regardless of which user runs the test.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := config.DefaultBootstrap()
	cfg.DBPath = filepath.Join(blocker, "sub", "locker-gateway.db")

	err := PerformStartupChecks(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPerformStartupChecks_MissingSerialPortIsWarningOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultBootstrap()
	cfg.DBPath = filepath.Join(dir, "locker-gateway.db")
	cfg.SerialPort = "/dev/does-not-exist-xyz"

	err := PerformStartupChecks(context.Background(), cfg)
	require.NoError(t, err)
}
