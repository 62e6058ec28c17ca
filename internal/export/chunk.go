package export

import (
	"fmt"

	"monkids/internal/models"
)

// buildJobs turns records into jobs with output keys unique within the run.
// A repeated stem in the same group becomes "stem (2)", "stem (3)" and so on.
func buildJobs(rt models.RecordType, records []models.Record, period models.Period) []models.Job {
	jobs := make([]models.Job, 0, len(records))
	used := make(map[string]bool, len(records))

	for _, rec := range records {
		group := rec.GroupKey(period)
		stem := rec.FileStem()

		key := group + "/" + stem + ".png"
		for n := 2; used[key]; n++ {
			key = fmt.Sprintf("%s/%s (%d).png", group, stem, n)
		}
		used[key] = true

		jobs = append(jobs, models.Job{
			RecordType: rt,
			Record:     rec,
			OutputKey:  key,
			Period:     period,
		})
	}
	return jobs
}

// partition splits jobs into at most limit chunks of ceil(len/limit) jobs,
// keeping job order.
func partition(jobs []models.Job, limit int, runID string) []models.Chunk {
	if len(jobs) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	size := (len(jobs) + limit - 1) / limit

	chunks := make([]models.Chunk, 0, limit)
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		chunks = append(chunks, models.Chunk{
			ID:   fmt.Sprintf("%s-%d", runID, len(chunks)),
			Jobs: jobs[start:end:end],
		})
	}
	return chunks
}
