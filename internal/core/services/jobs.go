package services

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// jobNamespace scopes the name-based job IDs.
var jobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("aggregation/job"))

// JobID is the stable ID of the job for input. The failed-job ledger is
// keyed by it, so the same input maps to the same entry in every run.
func JobID(input string) string {
	return "job-" + uuid.NewSHA1(jobNamespace, []byte(filepath.ToSlash(input))).String()
}

// PlanJobs turns discovered inputs into jobs. Results of an input go to
// the directory mirroring its parent directories; when several inputs
// share a parent, the file stem is appended so no two jobs share an output
// directory.
func PlanJobs(root string, rels []string, options map[string]string) []domain.Job {
	perDir := make(map[string]int, len(rels))
	for _, rel := range rels {
		perDir[path.Dir(rel)]++
	}

	jobs := make([]domain.Job, 0, len(rels))
	used := make(map[string]bool, len(rels))
	for _, rel := range rels {
		dir := path.Dir(rel)
		out := dir
		if perDir[dir] > 1 {
			stem := strings.TrimSuffix(path.Base(rel), path.Ext(rel))
			out = path.Join(dir, stem)
		}
		base := out
		for i := 2; used[out]; i++ {
			out = fmt.Sprintf("%s_%d", base, i)
		}
		used[out] = true

		input := filepath.Join(root, filepath.FromSlash(rel))
		jobs = append(jobs, domain.NewJob(
			JobID(input),
			input,
			rel,
			out,
			options,
		))
	}
	return jobs
}
