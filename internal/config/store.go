package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/eventbus"
)

const (
	statusDraft      = "draft"
	statusActive     = "active"
	statusSuperseded = "superseded"
	statusRolledBack = "rolled_back"
)

// Store persists zones/hardware/timing config documents in config_version
// and keeps an in-memory Holder in sync so readers never hit the database
// on the hot path. Deploy stages a new version without affecting what is
// live; Apply flips it live; Rollback moves live back to an older version.
// Apply and Rollback are audited and published on
// eventbus.TopicConfigDeployed; Deploy only stores the draft.
type Store struct {
	db     *sql.DB
	bus    eventbus.Bus
	audit  *audit.Logger
	Holder *Holder
}

// New constructs a Store and loads whatever version is currently active
// (if any) into its Holder.
func New(ctx context.Context, db *sql.DB, bus eventbus.Bus, auditLogger *audit.Logger) (*Store, error) {
	s := &Store{db: db, bus: bus, audit: auditLogger, Holder: NewHolder()}

	active, err := s.GetActive(ctx)
	if err != nil && !errors.Is(err, ErrNoActiveVersion) {
		return nil, err
	}
	if err == nil {
		s.Holder.Swap(*active)
	}
	return s, nil
}

// Deploy stages a new config version as a draft. It does not take effect
// until Apply runs. Returns the version number and content hash.
func (s *Store) Deploy(ctx context.Context, contentJSON, deployedBy string) (int, string, error) {
	if !json.Valid([]byte(contentJSON)) {
		return 0, "", ErrInvalidContent
	}

	sum := sha256.Sum256([]byte(contentJSON))
	hash := hex.EncodeToString(sum[:])

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO config_version (content_json, content_hash, deployed_at, deployed_by, status)
		VALUES (?, ?, ?, ?, ?)`,
		contentJSON, hash, time.Now().UnixMilli(), deployedBy, statusDraft)
	if err != nil {
		return 0, "", fmt.Errorf("config: deploy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("config: deploy: last insert id: %w", err)
	}
	return int(id), hash, nil
}

// Apply promotes a draft version to active, demoting whatever version was
// previously active to superseded. Applying an already-active version is a
// no-op success.
func (s *Store) Apply(ctx context.Context, version int, actor string) error {
	v, err := s.GetVersion(ctx, version)
	if err != nil {
		return err
	}
	if v.Status == statusActive {
		return nil
	}
	if v.Status != statusDraft {
		return ErrVersionNotDraft
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: apply: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE config_version SET status = ? WHERE status = ?`, statusSuperseded, statusActive); err != nil {
		return fmt.Errorf("config: apply: demote previous active: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE config_version SET status = ? WHERE version = ?`, statusActive, version); err != nil {
		return fmt.Errorf("config: apply: promote version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: apply: commit: %w", err)
	}

	v.Status = statusActive
	s.Holder.Swap(*v)

	if s.audit != nil {
		s.audit.ConfigDeployed(ctx, actor, version, v.ContentHash)
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.TopicConfigDeployed, eventbus.Message{Payload: *v})
	}
	return nil
}

// Rollback moves the active version back to an earlier one: the current
// active row is marked rolled_back and the target row is promoted to
// active again. The target must already exist (any prior superseded or
// rolled_back version qualifies) and must not already be active.
func (s *Store) Rollback(ctx context.Context, toVersion int, actor string) error {
	target, err := s.GetVersion(ctx, toVersion)
	if err != nil {
		return err
	}
	if target.Status == statusActive {
		return ErrRollbackTargetActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: rollback: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE config_version SET status = ? WHERE status = ?`, statusRolledBack, statusActive); err != nil {
		return fmt.Errorf("config: rollback: demote current active: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE config_version SET status = ? WHERE version = ?`, statusActive, toVersion); err != nil {
		return fmt.Errorf("config: rollback: promote target: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: rollback: commit: %w", err)
	}

	target.Status = statusActive
	s.Holder.Swap(*target)

	if s.audit != nil {
		s.audit.ConfigRolledBack(ctx, actor, toVersion)
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.TopicConfigDeployed, eventbus.Message{Payload: *target})
	}
	return nil
}

// GetActive returns the currently active version from the database.
// Readers on the hot path should prefer s.Holder.Current() instead.
func (s *Store) GetActive(ctx context.Context) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, content_json, content_hash, deployed_at, deployed_by, status
		FROM config_version WHERE status = ?`, statusActive)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveVersion
	}
	return v, err
}

// GetVersion returns a specific version by number.
func (s *Store) GetVersion(ctx context.Context, version int) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, content_json, content_hash, deployed_at, deployed_by, status
		FROM config_version WHERE version = ?`, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	return v, err
}

// ListVersions returns every version, newest first.
func (s *Store) ListVersions(ctx context.Context) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, content_json, content_hash, deployed_at, deployed_by, status
		FROM config_version ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("config: list versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("config: scan version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(s rowScanner) (*Version, error) {
	var v Version
	if err := s.Scan(&v.Version, &v.ContentJSON, &v.ContentHash, &v.DeployedAt, &v.DeployedBy, &v.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("config: scan version: %w", err)
	}
	return &v, nil
}
