package services

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/worldland/slurmwatch/internal/domain"
)

// DetectNodeInfo reads static host facts. GPU specs are filled in by the
// daemon once the GPU provider is initialized.
func DetectNodeInfo(hostname string) *domain.NodeInfo {
	info := &domain.NodeInfo{
		Hostname: hostname,
		CPUCount: runtime.NumCPU(),
	}
	if f, err := os.Open("/proc/meminfo"); err == nil {
		defer f.Close()
		info.MemTotalBytes = parseMemTotal(bufio.NewScanner(f))
	}
	return info
}

// parseMemTotal returns MemTotal from /proc/meminfo in bytes, or zero.
func parseMemTotal(scanner *bufio.Scanner) uint64 {
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
