package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lockergw/gateway/internal/migration"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS kiosk (
	kiosk_id    TEXT PRIMARY KEY,
	zone_id     TEXT,
	version     TEXT NOT NULL DEFAULT '',
	last_seen   INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'offline',
	hardware_id TEXT,
	config_hash TEXT
);

CREATE TABLE IF NOT EXISTS zone (
	id           TEXT PRIMARY KEY,
	ranges_json  TEXT NOT NULL,
	relay_cards_json TEXT NOT NULL,
	enabled      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS locker (
	kiosk_id    TEXT NOT NULL,
	id          INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'Free',
	owner_type  TEXT,
	owner_key   TEXT,
	reserved_at INTEGER,
	owned_at    INTEGER,
	is_vip      INTEGER NOT NULL DEFAULT 0,
	version     INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (kiosk_id, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_locker_owner_unique
	ON locker(owner_type, owner_key) WHERE owner_type = 'rfid' AND status IN ('Reserved', 'Owned');
CREATE INDEX IF NOT EXISTS idx_locker_status ON locker(kiosk_id, status);
`

const vipContractSchemaSQL = `
CREATE TABLE IF NOT EXISTS vip_contract (
	contract_id TEXT PRIMARY KEY,
	kiosk_id    TEXT NOT NULL,
	locker_id   INTEGER NOT NULL,
	rfid_card   TEXT NOT NULL,
	start_date  INTEGER NOT NULL,
	end_date    INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	plan_metadata_json TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vip_active_locker
	ON vip_contract(kiosk_id, locker_id) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS idx_vip_active_card
	ON vip_contract(rfid_card) WHERE status = 'active';
`

const commandQueueSchemaSQL = `
CREATE TABLE IF NOT EXISTS command (
	command_id   TEXT PRIMARY KEY,
	kiosk_id     TEXT NOT NULL,
	type         TEXT NOT NULL,
	payload_json TEXT,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   INTEGER NOT NULL,
	picked_at    INTEGER,
	completed_at INTEGER,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_command_one_inflight
	ON command(kiosk_id) WHERE status = 'in_flight';
CREATE INDEX IF NOT EXISTS idx_command_pending ON command(kiosk_id, status, created_at);
`

const eventLogSchemaSQL = `
CREATE TABLE IF NOT EXISTS event (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kiosk_id    TEXT,
	locker_id   INTEGER,
	type        TEXT NOT NULL,
	actor       TEXT NOT NULL,
	details_json TEXT,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_kiosk ON event(kiosk_id, created_at);
`

const configStoreSchemaSQL = `
CREATE TABLE IF NOT EXISTS config_version (
	version     INTEGER PRIMARY KEY AUTOINCREMENT,
	content_json TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	deployed_at  INTEGER NOT NULL,
	deployed_by  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'draft'
);
`

const kioskTelemetrySchemaSQL = `
CREATE TABLE IF NOT EXISTS kiosk_telemetry (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kiosk_id    TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	payload_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_telemetry_kiosk ON kiosk_telemetry(kiosk_id, recorded_at);
`

const vipTransferSchemaSQL = `
CREATE TABLE IF NOT EXISTS vip_transfer (
	transfer_id   TEXT PRIMARY KEY,
	contract_id   TEXT NOT NULL,
	new_rfid_card TEXT NOT NULL,
	requested_by  TEXT NOT NULL,
	requested_at  INTEGER NOT NULL,
	resolved_at   INTEGER,
	status        TEXT NOT NULL DEFAULT 'pending',
	reason        TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vip_transfer_one_pending
	ON vip_transfer(contract_id) WHERE status = 'pending';
`

var schemaModules = []struct {
	module string
	sql    string
}{
	{migration.ModuleCore, coreSchemaSQL},
	{migration.ModuleVIP, vipContractSchemaSQL},
	{migration.ModuleCommands, commandQueueSchemaSQL},
	{migration.ModuleEvents, eventLogSchemaSQL},
	{migration.ModuleConfigDoc, configStoreSchemaSQL},
	{migration.ModuleTelemetry, kioskTelemetrySchemaSQL},
	{migration.ModuleVipTransfer, vipTransferSchemaSQL},
}

// Migrate applies every schema module that has not yet been recorded in
// migration_history, and verifies that already-applied modules have not
// drifted from what this binary would produce.
func Migrate(db *sql.DB) error {
	if err := migration.EnsureHistoryTable(db); err != nil {
		return fmt.Errorf("sqlite: ensure migration_history: %w", err)
	}

	for _, m := range schemaModules {
		if err := migration.VerifyChecksum(db, m.module, m.sql); err != nil {
			return err
		}

		applied, err := migration.IsMigrated(db, m.module)
		if err != nil {
			return fmt.Errorf("sqlite: check migration %q: %w", m.module, err)
		}
		if applied {
			continue
		}

		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("sqlite: apply migration %q: %w", m.module, err)
		}

		rec := migration.HistoryRecord{
			Module:       m.module,
			SourceType:   "embedded",
			SourcePath:   "internal/persistence/sqlite/schema.go",
			MigratedAtMs: time.Now().UnixMilli(),
			Checksum:     migration.Checksum(m.sql),
		}
		if err := migration.RecordMigration(db, rec); err != nil {
			return fmt.Errorf("sqlite: record migration %q: %w", m.module, err)
		}
	}

	return nil
}
