package processor

import (
	"context"

	"monkids/internal/export"
	"monkids/internal/export/archive"
	"monkids/internal/ports"
)

// OutputHandler uploads the artifacts of a run as one zip archive.
type OutputHandler struct {
	sp ports.StorageProvider
}

func NewOutputHandler(sp ports.StorageProvider) *OutputHandler {
	return &OutputHandler{sp: sp}
}

// Archive stores the run's artifacts and returns the storage key.
func (oh *OutputHandler) Archive(ctx context.Context, res *export.Result) (string, error) {
	up, err := archive.Upload(ctx, oh.sp,
		archive.Key(res.RunLabel, res.RunID),
		res.RunDir,
		res.RunLabel,
		res.Paths,
	)
	if err != nil {
		return "", err
	}
	return up.Key, nil
}
