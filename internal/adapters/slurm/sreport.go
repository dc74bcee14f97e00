package slurm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sreportTimeLayout is read by sreport in the local time zone.
const sreportTimeLayout = "2006-01-02T15:04:05"

// Sreport reads Slurm accounting for the GPU time reserved by each user.
type Sreport struct {
	Binary string
	Run    Runner
}

func NewSreport() *Sreport {
	return &Sreport{Binary: "sreport", Run: ExecRunner}
}

// ReservedGPUTime returns the GPU time Slurm accounted to each user between
// start and end, summed over the user's accounts.
func (s *Sreport) ReservedGPUTime(ctx context.Context, start, end time.Time) (map[string]time.Duration, error) {
	out, err := s.Run(ctx, s.Binary, sreportArgs(start, end)...)
	if err != nil {
		return nil, fmt.Errorf("reserved GPU time: %w", err)
	}
	return ParseSreport(out)
}

func sreportArgs(start, end time.Time) []string {
	return []string{
		"--noheader", "--parsable2",
		"-t", "Seconds",
		"-T", "gres/gpu",
		"cluster", "UserUtilizationByAccount",
		"start=" + start.Local().Format(sreportTimeLayout),
		"end=" + end.Local().Format(sreportTimeLayout),
		"format=Login,Used",
	}
}

// ParseSreport parses "login|seconds" lines.
func ParseSreport(out []byte) (map[string]time.Duration, error) {
	used := make(map[string]time.Duration)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		user, secs, ok := strings.Cut(line, "|")
		if !ok || strings.Contains(secs, "|") || strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("%w at line %d: expected user|seconds, got %q", ErrMalformedLine, n, line)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(secs), 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w at line %d: seconds %q", ErrMalformedLine, n, secs)
		}
		used[strings.TrimSpace(user)] += time.Duration(v) * time.Second
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return used, nil
}
