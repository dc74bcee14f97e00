// Package setup checks that a node has the tools a collector depends on.
package setup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ComponentStatus represents the installation status of a required component
type ComponentStatus struct {
	Name      string
	Installed bool
	Version   string
	// Required components make the collector useless when missing.
	Required bool
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Components []ComponentStatus
	OSId       string // "ubuntu", "rocky", etc.
	OSVersion  string // "22.04", "9.3", etc.
	GPUFound   bool
	GPUName    string
}

// Checker runs the checks. Tests replace LookPath and Run.
type Checker struct {
	LookPath  func(file string) (string, error)
	Run       func(ctx context.Context, name string, args ...string) ([]byte, error)
	OSRelease string
}

func NewChecker() *Checker {
	return &Checker{
		LookPath: exec.LookPath,
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		OSRelease: "/etc/os-release",
	}
}

// RunPreflight checks for all required components and system info
func RunPreflight(ctx context.Context) *PreflightResult {
	return NewChecker().Check(ctx)
}

// Check is RunPreflight with the checker's hooks.
func (p *Checker) Check(ctx context.Context) *PreflightResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result := &PreflightResult{}

	result.OSId, result.OSVersion = p.detectOS()
	result.GPUFound, result.GPUName = p.detectNvidiaGPU(ctx)

	result.Components = []ComponentStatus{
		p.checkComponent(ctx, "squeue", true, "--version"),
		p.checkComponent(ctx, "scontrol", false, "--version"),
		p.checkComponent(ctx, "nvidia-smi", false, "--query-gpu=driver_version", "--format=csv,noheader"),
	}

	return result
}

// MissingComponents returns the names of components that are not installed
func (r *PreflightResult) MissingComponents() []string {
	var missing []string
	for _, c := range r.Components {
		if !c.Installed {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// Ready reports whether every required component is installed.
func (r *PreflightResult) Ready() bool {
	for _, c := range r.Components {
		if c.Required && !c.Installed {
			return false
		}
	}
	return true
}

// PrintStatus prints the preflight check results
func (r *PreflightResult) PrintStatus(w io.Writer) {
	for _, c := range r.Components {
		if c.Installed {
			fmt.Fprintf(w, "  ✓ %s: %s\n", c.Name, c.Version)
		} else {
			fmt.Fprintf(w, "  ✗ %s: NOT INSTALLED\n", c.Name)
		}
	}
	fmt.Fprintf(w, "  OS: %s %s\n", r.OSId, r.OSVersion)
	if r.GPUFound {
		fmt.Fprintf(w, "  GPU: %s\n", r.GPUName)
	}
}

func (p *Checker) checkComponent(ctx context.Context, binary string, required bool, versionArgs ...string) ComponentStatus {
	cs := ComponentStatus{Name: binary, Required: required}

	if _, err := p.LookPath(binary); err != nil {
		return cs
	}
	cs.Installed = true

	out, err := p.Run(ctx, binary, versionArgs...)
	if err != nil {
		// Binary exists but version command failed — still installed
		cs.Version = "(version unknown)"
		return cs
	}

	cs.Version = strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	// Truncate long version strings
	if len(cs.Version) > 60 {
		cs.Version = cs.Version[:60]
	}
	return cs
}

func (p *Checker) detectOS() (id, version string) {
	f, err := os.Open(p.OSRelease)
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return id, version
}

func (p *Checker) detectNvidiaGPU(ctx context.Context) (found bool, name string) {
	out, err := p.Run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return false, ""
	}
	gpuName := strings.TrimSpace(string(out))
	if gpuName == "" {
		return false, ""
	}
	// Take first line if multiple GPUs
	lines := strings.Split(gpuName, "\n")
	return true, strings.TrimSpace(lines[0])
}
