// Package slurm reads jobs and accounting through the Slurm command-line tools.
package slurm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/worldland/slurmwatch/internal/domain"
)

// squeueFormat yields "jobid|user|state|nodelist|name" with no header.
const squeueFormat = "%i|%u|%T|%N|%j"

var ErrMalformedLine = errors.New("malformed line in Slurm output")

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Squeue is a domain.JobSource backed by squeue.
type Squeue struct {
	Binary string
	Run    Runner
}

func NewSqueue() *Squeue {
	return &Squeue{Binary: "squeue", Run: ExecRunner}
}

// ListJobs returns the jobs squeue reports on node. An empty node lists the
// whole cluster.
func (s *Squeue) ListJobs(ctx context.Context, node string) ([]domain.JobRow, error) {
	args := []string{"-h", "-o", squeueFormat}
	if node != "" {
		args = append(args, "-w", node)
	}

	out, err := s.Run(ctx, s.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ParseSqueue(out)
}

// ParseSqueue parses squeue output in squeueFormat. Job names may contain
// the separator, so the name takes the rest of the line.
func ParseSqueue(out []byte) ([]domain.JobRow, error) {
	var jobs []domain.JobRow

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, "|", 5)
		if len(fields) != 5 || strings.TrimSpace(fields[0]) == "" {
			return nil, fmt.Errorf("%w at line %d: %q", ErrMalformedLine, n, line)
		}

		jobs = append(jobs, domain.JobRow{
			JobID:    strings.TrimSpace(fields[0]),
			User:     strings.TrimSpace(fields[1]),
			State:    strings.TrimSpace(fields[2]),
			NodeList: strings.TrimSpace(fields[3]),
			Name:     fields[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

var _ domain.JobSource = (*Squeue)(nil)
