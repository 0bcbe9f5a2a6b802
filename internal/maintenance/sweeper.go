// Package maintenance runs a background sweep over the shared module
// install cache, removing directories left behind by an installer that
// crashed mid-extraction before its own cleanup ran (SPEC_FULL.md A3).
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modsup"
)

// completionMarker is the file every fully-installed module is expected
// to carry at its root — its own manifest. A directory missing it past
// grace is presumed abandoned mid-install.
const completionMarker = "package.json"

// Sweeper periodically scans a storage.Layout's shared root for orphaned
// partial installs and removes them.
type Sweeper struct {
	root    string
	grace   time.Duration
	logger  modsup.Logger
	cron    *cron.Cron
	entryID cron.EntryID
}

// New creates a Sweeper rooted at root (storage.Layout.Root()). grace
// bounds how long a directory is given to finish installing before it is
// considered orphaned, so a sweep never races a genuinely in-progress
// install.
func New(root string, grace time.Duration, logger modsup.Logger) *Sweeper {
	if logger == nil {
		logger = modsup.NewNoopLogger()
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Sweeper{root: root, grace: grace, logger: logger, cron: cron.New()}
}

// Start schedules the sweep on the given cron spec (e.g. "@hourly") and
// returns once the first registration succeeds; the sweep itself runs in
// the background until Stop is called.
func (s *Sweeper) Start(spec string) error {
	id, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight sweep to
// finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep walks root/<owner>/<name>#<tag> once, removing any directory
// older than grace that lacks a completion marker.
func (s *Sweeper) Sweep(ctx context.Context) {
	owners, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("maintenance: read root failed", "root", s.root, "error", err)
		}
		return
	}

	for _, owner := range owners {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(s.root, owner.Name())

		entries, err := os.ReadDir(ownerDir)
		if err != nil {
			s.logger.Warn("maintenance: read owner dir failed", "dir", ownerDir, "error", err)
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			s.sweepOne(filepath.Join(ownerDir, entry.Name()))
		}
	}
}

func (s *Sweeper) sweepOne(dir string) {
	info, err := os.Stat(dir)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < s.grace {
		return // still within its own install's grace period
	}

	if _, err := os.Stat(filepath.Join(dir, completionMarker)); err == nil {
		return // fully installed
	}

	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("maintenance: remove orphaned install failed", "dir", dir, "error", err)
		return
	}
	s.logger.Info("maintenance: removed orphaned partial install", "dir", dir)
}
