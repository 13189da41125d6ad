package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xglog "github.com/lockergw/gateway/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// emergencyDebounce absorbs the burst of Write/Create/Rename events a single
// editor save produces (vim/nano temp-file-then-rename, tee, echo >).
const emergencyDebounce = 500 * time.Millisecond

// EmergencyWatcher mirrors the Store's active config version to a plain JSON
// file on disk and watches that same file for operator edits. It exists for
// the outage case where the SQLite-backed Config Store is unreachable but an
// operator still needs to hand-patch zones/timing on a running kiosk fleet;
// it never writes back to config_version, so anything applied this way does
// not survive the next Deploy/Apply/Rollback or process restart.
type EmergencyWatcher struct {
	path    string
	holder  *Holder
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewEmergencyWatcher wires holder to path: every Swap is mirrored to path,
// and external changes to path (while the process is running) are parsed
// and validated as a Document before being swapped back into holder. path
// empty disables the feature entirely (nil, nil).
func NewEmergencyWatcher(path string, holder *Holder) (*EmergencyWatcher, error) {
	if path == "" {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create emergency watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch emergency config dir: %w", err)
	}

	return &EmergencyWatcher{
		path:    path,
		holder:  holder,
		watcher: watcher,
		logger:  xglog.WithComponent("config.emergency"),
	}, nil
}

// Mirror writes v's content to the on-disk emergency copy. renameio handles
// temp-file creation, fsync, atomic rename, and cleanup on error, so the
// on-disk copy an operator reaches for during an outage is never observed
// half-written.
func (w *EmergencyWatcher) Mirror(v Version) error {
	pending, err := renameio.NewPendingFile(w.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("config: create pending emergency config file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.WriteString(v.ContentJSON); err != nil {
		return fmt.Errorf("config: write emergency config file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("config: atomically replace emergency config file: %w", err)
	}
	return nil
}

// Run watches the emergency config file for operator edits until ctx is
// canceled, debouncing bursts of filesystem events the way the teacher's
// config reload watcher does.
func (w *EmergencyWatcher) Run(ctx context.Context) {
	fileName := filepath.Base(w.path)
	var debounce *time.Timer

	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(emergencyDebounce, func() { w.reload() })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("emergency config watcher error")
		}
	}
}

// reload re-reads the emergency config file and, if it parses and validates
// as a Document, swaps it into the holder directly. It never touches
// config_version: an emergency edit is a diagnostic stopgap, not a deploy.
func (w *EmergencyWatcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read emergency config file")
		return
	}

	if _, err := ParseDocument(string(raw)); err != nil {
		w.logger.Error().Err(err).Msg("emergency config edit failed validation, ignoring")
		return
	}

	prev := w.holder.Current()
	w.holder.Swap(Version{
		Version:     prev.Version,
		ContentJSON: string(raw),
		DeployedBy:  "emergency-file-edit",
		Status:      "emergency",
	})
	w.logger.Warn().Msg("applied emergency on-disk config edit, bypassing config_version")
}
