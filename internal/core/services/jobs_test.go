package services

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanJobs(t *testing.T) {
	rels := []string{
		"plate1/well_a.tif",
		"plate1/well_b.tif",
		"plate2/scan.tif",
		"top.tif",
	}
	opts := map[string]string{"threshold": "0.4"}

	jobs := PlanJobs("/data", rels, opts)
	require.Len(t, jobs, 4)

	wantOut := []string{"plate1/well_a", "plate1/well_b", "plate2", "."}
	ids := map[string]bool{}
	for i, job := range jobs {
		assert.Equal(t, rels[i], job.RelPath)
		assert.Equal(t, filepath.Join("/data", filepath.FromSlash(rels[i])), job.Input)
		assert.Equal(t, wantOut[i], job.OutputDir)
		assert.Equal(t, "0.4", job.Options["threshold"])
		assert.True(t, strings.HasPrefix(job.ID, "job-"), job.ID)
		ids[job.ID] = true
	}
	assert.Len(t, ids, 4)

	// Jobs hold their own copy of the options.
	opts["threshold"] = "0.9"
	assert.Equal(t, "0.4", jobs[0].Options["threshold"])
}

func TestPlanJobs_OutputDirsAreUnique(t *testing.T) {
	rels := []string{
		"a/x.tif",
		"a/x.png", // same stem as x.tif
		"a/x/one.tif",
	}

	jobs := PlanJobs("/in", rels, nil)
	require.Len(t, jobs, 3)

	seen := map[string]bool{}
	for _, j := range jobs {
		assert.False(t, seen[j.OutputDir], "duplicate output dir %s", j.OutputDir)
		seen[j.OutputDir] = true
	}
	assert.Equal(t, "a/x", jobs[0].OutputDir)
	assert.Equal(t, "a/x_2", jobs[1].OutputDir)
	assert.Equal(t, "a/x_3", jobs[2].OutputDir)
}

func TestPlanJobs_StableIDs(t *testing.T) {
	rels := []string{"plate1/tilescan_projection.tif", "plate2/scan.tif"}

	first := PlanJobs("/data", rels, nil)
	second := PlanJobs("/data", rels, nil)
	for i := range rels {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
	assert.NotEqual(t, first[0].ID, first[1].ID)
	assert.NotEqual(t, first[0].ID, PlanJobs("/other", rels, nil)[0].ID)
}

func TestPlanJobs_Empty(t *testing.T) {
	assert.Empty(t, PlanJobs("/in", nil, nil))
}
