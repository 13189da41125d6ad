// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lockergw/gateway/internal/api"
	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/cache"
	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/daemon"
	"github.com/lockergw/gateway/internal/eventbus"
	"github.com/lockergw/gateway/internal/gateway"
	"github.com/lockergw/gateway/internal/health"
	"github.com/lockergw/gateway/internal/kiosk/heartbeat"
	"github.com/lockergw/gateway/internal/kiosk/queue"
	xglog "github.com/lockergw/gateway/internal/log"
	"github.com/lockergw/gateway/internal/locker/mapper"
	"github.com/lockergw/gateway/internal/locker/pipeline"
	"github.com/lockergw/gateway/internal/locker/statemgr"
	"github.com/lockergw/gateway/internal/locker/vip"
	"github.com/lockergw/gateway/internal/persistence/sqlite"
	"github.com/lockergw/gateway/internal/telemetry"
	"github.com/lockergw/gateway/internal/transport/modbus"
	"github.com/lockergw/gateway/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to bootstrap config file (YAML)")
	verifyMode := flag.String("verify", "", "check database integrity and exit instead of starting (\"quick\" or \"full\")")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "locker-gateway", Version: version.Version})
	logger := xglog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot, err := config.LoadBootstrap(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "bootstrap.load_failed").Msg("failed to load bootstrap config")
	}

	if err := xglog.SetLevel(boot.LogLevel); err != nil {
		logger.Warn().Err(err).Str("level", boot.LogLevel).Msg("invalid log level in bootstrap config, keeping default")
	}

	if *verifyMode != "" {
		runVerifyAndExit(logger, boot.DBPath, *verifyMode)
	}

	if err := health.PerformStartupChecks(ctx, boot); err != nil {
		logger.Fatal().Err(err).Str("event", "startup.check_failed").Msg("pre-flight checks failed")
	}

	db, err := sqlite.Open(boot.DBPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "db.open_failed").Str("path", boot.DBPath).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	if err := sqlite.Migrate(db); err != nil {
		logger.Fatal().Err(err).Str("event", "db.migrate_failed").Msg("failed to migrate database")
	}

	tracerProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        boot.TracingEnabled,
		ServiceName:    "locker-gateway",
		ServiceVersion: version.Version,
		Exporter:       boot.TracingExporter,
		Endpoint:       boot.TracingEndpoint,
		SamplingRate:   boot.TracingSamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.init_failed").Msg("failed to initialize tracing")
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer provider shutdown failed")
		}
	}()
	telemetry.NewMeterProvider()
	instruments, err := telemetry.NewInstruments()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.instruments_failed").Msg("failed to create OTel instruments")
	}

	transport, err := modbus.Open(modbus.Config{
		Device:      boot.SerialPort,
		BaudRate:    boot.BaudRate,
		ReadTimeout: boot.ReadTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "transport.open_failed").Str("device", boot.SerialPort).
			Msg("failed to open Modbus serial transport")
	}

	bus := eventbus.NewMemoryBus()
	auditLogger := audit.NewLogger(boot.ResolveAuditHashKey())

	state := statemgr.New(db, bus, auditLogger)
	state.SetCache(buildAvailabilityCache(boot, logger))
	state.SetTelemetry(instruments)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.PulseMs = int(boot.PulseWidth.Milliseconds())
	pipe := pipeline.New(transport, mapper.Config{ZonesEnabled: false}, pipeCfg)

	cfgStore, err := config.New(ctx, db, bus, auditLogger)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.store_init_failed").Msg("failed to initialize config store")
	}

	emergencyWatcher, err := config.NewEmergencyWatcher(boot.EmergencyConfigPath, cfgStore.Holder)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.emergency_watcher_failed").Msg("failed to start emergency config watcher")
	}
	if emergencyWatcher != nil {
		mirror := make(chan config.Version, 1)
		cfgStore.Holder.Watch(mirror)
		go func() {
			for v := range mirror {
				if err := emergencyWatcher.Mirror(v); err != nil {
					logger.Error().Err(err).Str("event", "config.emergency_mirror_failed").Msg("failed to mirror active config to emergency path")
				}
			}
		}()
	}

	gw := gateway.New(state, pipe, cfgStore, auditLogger, bus)
	hb := heartbeat.New(db, bus, auditLogger, heartbeat.DefaultConfig())
	q := queue.New(db, bus, auditLogger, queue.DefaultConfig())
	vipMgr := vip.New(db, state, auditLogger)

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewSQLChecker(db))
	hm.RegisterChecker(health.NewModbusTransportChecker(func(ctx context.Context) error {
		if transport.ConnectionLost() {
			return fmt.Errorf("modbus transport: connection lost")
		}
		return nil
	}))
	hm.RegisterChecker(health.NewKioskLivenessChecker(func() (online, offline int) {
		kiosks, err := hb.GetAllKiosks(context.Background())
		if err != nil {
			return 0, 0
		}
		for _, k := range kiosks {
			if k.Status == heartbeat.StatusOnline {
				online++
			} else {
				offline++
			}
		}
		return online, offline
	}))

	if boot.AdminToken == "" {
		logger.Warn().Str("event", "startup.no_admin_token").
			Msg("LOCKER_ADMIN_TOKEN not set; operator-panel routes are unauthenticated")
	}

	srv := api.New(api.Deps{
		Gateway:       gw,
		State:         state,
		Heartbeat:     hb,
		Queue:         q,
		VIP:           vipMgr,
		ConfigStore:   cfgStore,
		HealthManager: hm,
		Audit:         auditLogger,
		RateLimitRPS:  100,
		AdminToken:    boot.AdminToken,
	})

	mgr := daemon.NewManager(daemon.DefaultServerConfig(boot.ListenAddr), srv.Handler(), logger)
	mgr.RegisterShutdownHook("modbus-transport", func(ctx context.Context) error {
		return transport.Close()
	})

	app := daemon.NewApp(logger, mgr, daemon.DefaultSweepConfig(), state, hb, vipMgr, cfgStore)
	app.SetEmergencyWatcher(emergencyWatcher)

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("addr", boot.ListenAddr).
		Str("serial_port", boot.SerialPort).
		Msg("starting locker gateway")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "app.failed").Msg("gateway exited with error")
	}

	logger.Info().Msg("gateway exiting")
}

// runVerifyAndExit checks the database file for structural corruption and
// exits: 0 if healthy, 1 if corruption was found or the check itself
// failed. Meant for an operator to run against a stopped gateway, or a
// cron job against a backup copy, before trusting the file.
func runVerifyAndExit(logger zerolog.Logger, dbPath, mode string) {
	problems, err := sqlite.VerifyIntegrity(dbPath, mode)
	if err != nil {
		logger.Error().Err(err).Str("path", dbPath).Str("mode", mode).Msg("database integrity check failed to run")
		os.Exit(1)
	}
	if len(problems) > 0 {
		logger.Error().Strs("problems", problems).Str("path", dbPath).Msg("database integrity check found corruption")
		os.Exit(1)
	}
	logger.Info().Str("path", dbPath).Str("mode", mode).Msg("database integrity check passed")
	os.Exit(0)
}

// buildAvailabilityCache picks Redis when CacheRedisAddr is configured,
// falling back to an in-memory cache (and logging a warning) if Redis is
// unreachable at startup, so a misconfigured cache address degrades
// latency instead of failing the whole process.
func buildAvailabilityCache(boot config.Bootstrap, logger zerolog.Logger) cache.Cache {
	if boot.CacheRedisAddr == "" {
		return cache.NewMemoryCache(time.Minute)
	}
	c, err := cache.NewRedisCache(cache.RedisConfig{Addr: boot.CacheRedisAddr}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", boot.CacheRedisAddr).
			Msg("redis cache unreachable, falling back to in-memory availability cache")
		return cache.NewMemoryCache(time.Minute)
	}
	return c
}
