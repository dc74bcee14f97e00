package setup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeChecker(t *testing.T, installed map[string]string) *Checker {
	t.Helper()

	osRelease := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(osRelease, []byte("NAME=\"Rocky Linux\"\nID=\"rocky\"\nVERSION_ID=\"9.3\"\n"), 0o644))

	return &Checker{
		LookPath: func(file string) (string, error) {
			if _, ok := installed[file]; ok {
				return "/usr/bin/" + file, nil
			}
			return "", errors.New("not found")
		},
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			out, ok := installed[name]
			if !ok {
				return nil, errors.New("not found")
			}
			if name == "nvidia-smi" && len(args) > 0 && args[0] == "--query-gpu=name" {
				return []byte("NVIDIA A100-SXM4-80GB\nNVIDIA A100-SXM4-80GB\n"), nil
			}
			return []byte(out), nil
		},
		OSRelease: osRelease,
	}
}

func TestPreflight_AllInstalled(t *testing.T) {
	p := fakeChecker(t, map[string]string{
		"squeue":     "slurm 23.11.4\n",
		"scontrol":   "slurm 23.11.4\n",
		"nvidia-smi": "550.54.15\n",
	})

	r := p.Check(context.Background())

	assert.True(t, r.Ready())
	assert.Empty(t, r.MissingComponents())
	assert.Equal(t, "rocky", r.OSId)
	assert.Equal(t, "9.3", r.OSVersion)
	assert.True(t, r.GPUFound)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", r.GPUName)
	assert.Equal(t, "slurm 23.11.4", r.Components[0].Version)
}

func TestPreflight_MissingSlurm(t *testing.T) {
	p := fakeChecker(t, map[string]string{"nvidia-smi": "550.54.15"})

	r := p.Check(context.Background())

	assert.False(t, r.Ready())
	assert.Equal(t, []string{"squeue", "scontrol"}, r.MissingComponents())

	var buf bytes.Buffer
	r.PrintStatus(&buf)
	assert.Contains(t, buf.String(), "squeue: NOT INSTALLED")
	assert.Contains(t, buf.String(), "nvidia-smi: 550.54.15")
}

func TestPreflight_NoGPU(t *testing.T) {
	p := fakeChecker(t, map[string]string{"squeue": "slurm 23.11.4", "scontrol": "slurm 23.11.4"})

	r := p.Check(context.Background())
	assert.True(t, r.Ready(), "GPUs are optional")
	assert.False(t, r.GPUFound)
}

func TestPreflight_UnknownOS(t *testing.T) {
	p := fakeChecker(t, nil)
	p.OSRelease = filepath.Join(t.TempDir(), "missing")

	r := p.Check(context.Background())
	assert.Equal(t, "unknown", r.OSId)
}
