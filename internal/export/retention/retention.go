// Package retention deletes rendered artifacts and archives once they are
// older than the configured retention window.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
)

// ArchiveIndex lists finished runs whose archives may be purged.
type ArchiveIndex interface {
	ExpiredArchives(ctx context.Context, before time.Time) ([]models.ExportRun, error)
	ClearArchive(ctx context.Context, runID string) error
}

type Config struct {
	OutputRoot string
	Retention  time.Duration
	// Archives and Store are optional; without them only local files are swept.
	Archives ArchiveIndex
	Store    ports.StorageProvider
	// Fs defaults to the OS filesystem.
	Fs  afero.Fs
	Now func() time.Time
	Log *logger.Logger
}

type Sweeper struct {
	cfg Config
	log *logger.Logger
}

func New(cfg Config) *Sweeper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Sweeper{cfg: cfg, log: cfg.Log.WithComponent("retention")}
}

// Report is the result of one sweep.
type Report struct {
	Files    int
	Dirs     int
	Archives int
}

// Sweep removes expired files under the output root, prunes directories left
// empty and purges expired archives.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if s.cfg.Retention <= 0 {
		return rep, nil
	}
	cutoff := s.cfg.Now().Add(-s.cfg.Retention)

	files, err := s.sweepFiles(ctx, cutoff)
	rep.Files = files
	if err != nil {
		return rep, err
	}

	dirs, err := PruneEmpty(s.cfg.Fs, s.cfg.OutputRoot)
	rep.Dirs = dirs
	if err != nil {
		return rep, err
	}

	if s.cfg.Archives != nil && s.cfg.Store != nil {
		rep.Archives, err = s.sweepArchives(ctx, cutoff)
	}
	return rep, err
}

func (s *Sweeper) sweepFiles(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := afero.Walk(s.cfg.Fs, s.cfg.OutputRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := s.cfg.Fs.Remove(p); err != nil && !os.IsNotExist(err) {
				s.log.Warn("could not remove expired file", "path", p, "error", err.Error())
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errors.Wrap(err, "retention.Sweep", "walk output root")
	}
	return removed, nil
}

func (s *Sweeper) sweepArchives(ctx context.Context, cutoff time.Time) (int, error) {
	runs, err := s.cfg.Archives.ExpiredArchives(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "retention.Sweep", "list expired archives")
	}
	removed := 0
	for _, run := range runs {
		err := s.cfg.Store.DeleteObject(ctx, run.ArchiveKey)
		if err != nil && !errors.Is(err, ports.ErrObjectNotFound) {
			s.log.Warn("could not delete archive", "run_id", run.ID, "archive_key", run.ArchiveKey, "error", err.Error())
			continue
		}
		if err := s.cfg.Archives.ClearArchive(ctx, run.ID); err != nil {
			return removed, errors.Wrap(err, "retention.Sweep", "clear archive key")
		}
		removed++
	}
	return removed, nil
}

// PruneEmpty removes empty directories below root, deepest first. root
// itself is kept.
func PruneEmpty(fsys afero.Fs, root string) (int, error) {
	var dirs []string
	err := afero.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "retention.PruneEmpty", "walk")
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	removed := 0
	for _, d := range dirs {
		empty, err := afero.IsEmpty(fsys, d)
		if err != nil || !empty {
			continue
		}
		if fsys.Remove(d) == nil {
			removed++
		}
	}
	return removed, nil
}

// Start runs Sweep on schedule until ctx is done.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		rep, err := s.Sweep(ctx)
		if err != nil {
			s.log.WithError(err).Error("retention sweep failed")
			return
		}
		if rep.Files+rep.Dirs+rep.Archives > 0 {
			s.log.Info("retention sweep finished", "files", rep.Files, "dirs", rep.Dirs, "archives", rep.Archives)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "retention.Start", "invalid schedule %q", schedule)
	}

	s.log.Info("retention sweeper started", "schedule", schedule, "retention", s.cfg.Retention.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("retention sweeper stopped")
	return nil
}
