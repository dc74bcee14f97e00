package slurm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSqueue(t *testing.T) {
	out := []byte(`
4211|alice|RUNNING|gpu01|train-llm
4212|bob|PENDING|gpu[01-02]|sweep|lr=0.1
`)
	jobs, err := ParseSqueue(out)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "4211", jobs[0].JobID)
	assert.Equal(t, "alice", jobs[0].User)
	assert.Equal(t, "RUNNING", jobs[0].State)
	assert.Equal(t, "gpu01", jobs[0].NodeList)
	assert.Equal(t, "sweep|lr=0.1", jobs[1].Name)
}

func TestParseSqueue_Empty(t *testing.T) {
	jobs, err := ParseSqueue(nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestParseSqueue_Malformed(t *testing.T) {
	_, err := ParseSqueue([]byte("4211|alice\n"))
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestSqueue_ListJobs(t *testing.T) {
	var gotArgs []string
	s := &Squeue{Binary: "squeue", Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("7|carol|RUNNING|gpu03|eval\n"), nil
	}}

	jobs, err := s.ListJobs(context.Background(), "gpu03")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"-h", "-o", squeueFormat, "-w", "gpu03"}, gotArgs)
}

func TestSqueue_ListJobsError(t *testing.T) {
	s := &Squeue{Binary: "squeue", Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("slurm_load_jobs error: Unable to contact slurm controller")
	}}

	_, err := s.ListJobs(context.Background(), "gpu03")
	assert.ErrorContains(t, err, "list jobs")
}
