package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the serial port, database path, and listen
// address before the gateway starts serving traffic.
func PerformStartupChecks(ctx context.Context, cfg config.Bootstrap) error {
	_ = ctx
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDBPath(logger, cfg.DBPath); err != nil {
		return fmt.Errorf("database path check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkSerialPort(logger, cfg.SerialPort); err != nil {
		return fmt.Errorf("serial port check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

// checkDBPath ensures the SQLite database's parent directory exists and is
// writable, so Open() fails fast with a clear error instead of surfacing a
// confusing sqlite-level one.
func checkDBPath(logger zerolog.Logger, path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil // relative path in the working directory
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("database directory is not writable: %s: %w", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("database path is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

// checkSerialPort confirms the configured device node exists. It does not
// open the port: that would require exclusive access the real transport
// needs, and a virtual/simulated transport may have no device node at all.
func checkSerialPort(logger zerolog.Logger, path string) error {
	if path == "" {
		logger.Warn().Msg("no serial port configured; relay transport will be unavailable")
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", path).Msg("serial port device not present yet; transport will retry at connect time")
			return nil
		}
		return fmt.Errorf("stat serial port %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("serial port device present")
	return nil
}
