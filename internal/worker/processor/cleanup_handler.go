package processor

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"monkids/internal/export"
	"monkids/internal/export/retention"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
)

// Cleanup removes rendered files after their archive went to remote storage.
// With the local provider the files stay for the retention sweeper.
type Cleanup struct {
	cleanupLocal bool
	sp           ports.StorageProvider
	log          *logger.Logger
}

func NewCleanup(cleanupLocal bool, sp ports.StorageProvider, log *logger.Logger) *Cleanup {
	return &Cleanup{cleanupLocal: cleanupLocal, sp: sp, log: log}
}

// CleanupRun deletes the run's own artifacts only; other runs may share the
// run directory.
func (c *Cleanup) CleanupRun(res *export.Result) {
	if !c.shouldCleanup() {
		return
	}
	for _, p := range res.Paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.log.Warn("could not remove artifact", "path", p, "error", err.Error())
		}
	}
	if _, err := retention.PruneEmpty(afero.NewOsFs(), filepath.Dir(res.RunDir)); err != nil {
		c.log.Warn("could not prune run directory", "dir", res.RunDir, "error", err.Error())
	}
}

func (c *Cleanup) shouldCleanup() bool {
	return c.cleanupLocal && c.sp.Provider() != "localfs"
}
