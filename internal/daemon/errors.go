// SPDX-License-Identifier: MIT

package daemon

import "errors"

var (
	// ErrMissingManager is returned when an App is created without a manager.
	ErrMissingManager = errors.New("daemon: manager is required")
	// ErrManagerNotStarted is returned when Shutdown is called on a manager
	// that never started.
	ErrManagerNotStarted = errors.New("daemon: manager not started")
)
