// Package migration tracks which schema modules have been applied to the
// SQLite store and applies the ones that are missing. Each module is a
// self-contained set of CREATE TABLE/INDEX statements; the engine records
// a checksum of the applied SQL in migration_history so that a mismatch
// between what is on disk and what was actually applied can be detected
// at startup instead of silently drifting.
package migration

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// Module names, applied in order.
const (
	ModuleCore      = "core_schema"      // kiosks, lockers, zones
	ModuleVIP       = "vip_contracts"    // vip_contract table
	ModuleCommands  = "command_queue"    // command table
	ModuleEvents    = "event_log"        // append-only event table
	ModuleConfigDoc = "config_store"     // versioned config document table
	ModuleTelemetry   = "kiosk_telemetry" // rolling kiosk telemetry samples
	ModuleVipTransfer = "vip_transfer"    // two-step VIP card transfer workflow
)

// HistoryRecord matches the migration_history table schema.
type HistoryRecord struct {
	Module       string
	SourceType   string
	SourcePath   string
	MigratedAtMs int64
	RecordCount  int
	Checksum     string
}

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS migration_history (
	module         TEXT PRIMARY KEY,
	source_type    TEXT NOT NULL,
	source_path    TEXT NOT NULL,
	migrated_at_ms INTEGER NOT NULL,
	record_count   INTEGER NOT NULL DEFAULT 0,
	checksum       TEXT NOT NULL
)`

// EnsureHistoryTable creates the migration_history bookkeeping table if
// it does not already exist. Must run before IsMigrated/RecordMigration.
func EnsureHistoryTable(db *sql.DB) error {
	_, err := db.Exec(createHistoryTable)
	return err
}

// IsMigrated reports whether module has already been applied.
func IsMigrated(db *sql.DB, module string) (bool, error) {
	var exists int
	err := db.QueryRow("SELECT COUNT(*) FROM migration_history WHERE module = ?", module).Scan(&exists)
	if err != nil {
		return false, nil
	}
	return exists > 0, nil
}

// RecordMigration saves the migration completion status for module.
func RecordMigration(db *sql.DB, rec HistoryRecord) error {
	query := `
	INSERT INTO migration_history (module, source_type, source_path, migrated_at_ms, record_count, checksum)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(module) DO UPDATE SET
		source_type = excluded.source_type,
		source_path = excluded.source_path,
		migrated_at_ms = excluded.migrated_at_ms,
		record_count = excluded.record_count,
		checksum = excluded.checksum
	`
	_, err := db.Exec(query,
		rec.Module, rec.SourceType, rec.SourcePath, rec.MigratedAtMs, rec.RecordCount, rec.Checksum,
	)
	return err
}

// GetHistory retrieves the migration record for a module, or nil if it has
// never been applied.
func GetHistory(db *sql.DB, module string) (*HistoryRecord, error) {
	var rec HistoryRecord
	query := `SELECT module, source_type, source_path, migrated_at_ms, record_count, checksum FROM migration_history WHERE module = ?`
	err := db.QueryRow(query, module).Scan(&rec.Module, &rec.SourceType, &rec.SourcePath, &rec.MigratedAtMs, &rec.RecordCount, &rec.Checksum)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

// Checksum returns a short, stable hex digest of sql, used to detect drift
// between the statements an already-applied module recorded and the
// statements the running binary would apply today.
func Checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])[:16]
}

// VerifyChecksum returns an error if module was previously migrated with a
// different checksum than the one the current binary would apply -
// a sign that the schema module changed without a version bump.
func VerifyChecksum(db *sql.DB, module, currentSQL string) error {
	rec, err := GetHistory(db, module)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	want := Checksum(currentSQL)
	if rec.Checksum != want {
		return fmt.Errorf("schema drift detected for module %q: recorded checksum %s, binary checksum %s", module, rec.Checksum, want)
	}
	return nil
}
