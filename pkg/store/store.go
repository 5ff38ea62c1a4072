// Package store persists the indexed and fetched resource graph on disk.
//
// # Layout
//
// One container per resource type at each graph level, mirroring the
// resource nesting:
//
//	<data-dir>/current/
//	    index.json                  run metadata
//	    users/
//	        index.json              [{uuid, source_record_key, key_attributes}]
//	        <uuid>/user.json
//	    journals/
//	        index.json
//	        <uuid>/
//	            journal.json
//	            articles/
//	                index.json
//	                <uuid>/
//	                    article.json
//	                    files/
//	                        index.json
//	                        <uuid>/file.json + blob
//	            ...
//
// # Durability
//
// Every document write lands in a temporary file first and is renamed into
// place, so a crash mid-write never corrupts a previously valid document.
// Index documents additionally serialize through a per-container lock so
// concurrent workers appending to the same index cannot interleave, while
// detail writes to distinct uuid containers proceed without contention.
//
// # Retention
//
// "current" designates the active run. When retention is enabled a
// completed run is renamed to a timestamped container and current becomes
// a symlink to it; runs beyond the keep limit are pruned oldest-first.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/errors"
)

// currentName is the container name of the active run.
const currentName = "current"

// runStamp is the layout for retained run container names. Lexical order
// equals chronological order.
const runStamp = "20060102T150405"

// Store manages the data directory holding all runs.
type Store struct {
	base   string
	logger *zap.Logger
}

// New creates a store rooted at the given data directory, creating it if
// necessary.
func New(base string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create data directory")
	}
	return &Store{
		base:   base,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// Base returns the data directory path.
func (s *Store) Base() string {
	return s.base
}

// currentPath returns the path of the active run container.
func (s *Store) currentPath() string {
	return filepath.Join(s.base, currentName)
}

// OpenRun opens the active run, reusing an existing current container so
// interrupted transfers resume where they stopped. A fresh run container
// is created when none exists.
func (s *Store) OpenRun() (*Run, error) {
	path := s.currentPath()
	resolved, err := filepath.EvalSymlinks(path)
	switch {
	case err == nil:
		path = resolved
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create run container")
		}
	default:
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to resolve current run")
	}

	run, err := openRun(path, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run opened",
		zap.String("path", path),
		zap.String("transaction_id", run.Meta().TransactionID))
	return run, nil
}

// BeginRun starts a run. With resume set, an existing current container
// is reused so a previously interrupted or staged transfer continues from
// its persisted state; otherwise any current container (or pointer to a
// retained run) is discarded and a fresh one created.
func (s *Store) BeginRun(resume bool) (*Run, error) {
	if !resume {
		if err := s.Reset(); err != nil {
			return nil, err
		}
	}
	return s.OpenRun()
}

// Reset discards the active run container entirely. Retained historical
// runs are untouched.
func (s *Store) Reset() error {
	path := s.currentPath()
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to stat current run")
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// The kept run stays; only the pointer goes.
		return os.Remove(path)
	}
	return os.RemoveAll(path)
}

// Finalize applies the retention policy after a completed run. With keep
// enabled the current container is renamed to a timestamped name, current
// becomes a symlink to it, and historical runs beyond keepMax are pruned
// oldest-first (keepMax 0 means unlimited). It returns the retained
// container name, empty when nothing was kept.
func (s *Store) Finalize(keep bool, keepMax int) (string, error) {
	if !keep {
		return "", nil
	}

	path := s.currentPath()
	info, err := os.Lstat(path)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to stat current run")
	}

	var retained string
	if info.Mode()&os.ModeSymlink != 0 {
		// A resumed run of an already retained container. Nothing moves.
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to resolve current run")
		}
		retained = filepath.Base(resolved)
	} else {
		retained = s.nextRunName()
		stamped := filepath.Join(s.base, retained)
		if err := os.Rename(path, stamped); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to retain run")
		}
		if err := os.Symlink(stamped, path); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to update current pointer")
		}
		s.logger.Info("run retained", zap.String("container", retained))
	}

	return retained, s.enforceKeepLimit(keepMax)
}

// nextRunName picks an unused timestamped container name. Suffixes keep
// names unique when runs finish within the same second.
func (s *Store) nextRunName() string {
	base := time.Now().UTC().Format(runStamp)
	name := base
	for n := 1; ; n++ {
		if _, err := os.Lstat(filepath.Join(s.base, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
}

// Runs lists retained run container names, newest first.
func (s *Store) Runs() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to read data directory")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != currentName {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// enforceKeepLimit deletes the oldest retained runs beyond the limit.
func (s *Store) enforceKeepLimit(keepMax int) error {
	if keepMax <= 0 {
		return nil
	}
	names, err := s.Runs()
	if err != nil {
		return err
	}
	for _, name := range names[min(keepMax, len(names)):] {
		doomed := filepath.Join(s.base, name)
		if err := os.RemoveAll(doomed); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStoreCorruption,
				fmt.Sprintf("failed to prune run %s", name))
		}
		s.logger.Info("run pruned", zap.String("container", name))
	}
	return nil
}
