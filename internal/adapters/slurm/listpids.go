package slurm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/worldland/slurmwatch/internal/domain"
)

// Scontrol maps local processes to the Slurm jobs that own them.
type Scontrol struct {
	Binary string
	Run    Runner
}

func NewScontrol() *Scontrol {
	return &Scontrol{Binary: "scontrol", Run: ExecRunner}
}

// JobPIDs runs "scontrol listpids", which covers every job step on the
// local node.
func (s *Scontrol) JobPIDs(ctx context.Context) (map[uint32]string, error) {
	out, err := s.Run(ctx, s.Binary, "listpids")
	if err != nil {
		return nil, fmt.Errorf("list job pids: %w", err)
	}
	return ParseListPIDs(out)
}

// ParseListPIDs parses the "PID JOBID STEPID LOCALID GLOBALID" table.
func ParseListPIDs(out []byte) (map[uint32]string, error) {
	pids := make(map[uint32]string)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for n := 1; scanner.Scan(); n++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] == "PID" {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w at line %d: %q", ErrMalformedLine, n, scanner.Text())
		}
		pid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w at line %d: pid %q", ErrMalformedLine, n, fields[0])
		}
		pids[uint32(pid)] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pids, nil
}

var _ domain.JobPIDSource = (*Scontrol)(nil)
