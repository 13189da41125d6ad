package config

import "errors"

var (
	// ErrVersionNotFound is returned when a requested config version has
	// no row in config_version.
	ErrVersionNotFound = errors.New("config: version not found")
	// ErrVersionNotDraft is returned when Apply targets a version that is
	// not currently in draft status.
	ErrVersionNotDraft = errors.New("config: version is not a draft")
	// ErrNoActiveVersion is returned by GetActive before any version has
	// ever been applied.
	ErrNoActiveVersion = errors.New("config: no active version")
	// ErrRollbackTargetActive is returned when Rollback is asked to roll
	// back to the version that is already active.
	ErrRollbackTargetActive = errors.New("config: rollback target is already active")
	// ErrInvalidContent is returned when deployed content is not valid JSON.
	ErrInvalidContent = errors.New("config: content is not valid JSON")
)
