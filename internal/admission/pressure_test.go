// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProcRoot builds a minimal /proc-shaped tree with one matching pid.
func fakeProcRoot(t *testing.T, binary string, rssKb int64) string {
	t.Helper()
	root := t.TempDir()
	pidDir := filepath.Join(root, "1234")
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "cmdline"), []byte(binary+"\x00--flag\x00"), 0o644))
	status := "Name:\tfoo\nVmRSS:\t" + itoa(rssKb) + " kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "status"), []byte(status), 0o644))
	return root
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestProcessTablePressure_MatchesAndSumsRSS(t *testing.T) {
	root := fakeProcRoot(t, "fabric-agent", 204800) // 200 MB

	p := NewProcessTablePressure("fabric-agent", 1, 2, 100, 500)
	p.procRoot = root

	snap, err := p.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.NodeCount)
	require.Equal(t, int64(200), snap.NodeRssMb)
	require.Equal(t, SeverityWarn, snap.Severity)
}

func TestProcessTablePressure_NoMatchIsOK(t *testing.T) {
	root := fakeProcRoot(t, "other-binary", 1024)

	p := NewProcessTablePressure("fabric-agent", 1, 2, 100, 500)
	p.procRoot = root

	snap, err := p.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, snap.NodeCount)
	require.Equal(t, SeverityOK, snap.Severity)
}

func TestProcessTablePressure_CriticalAtHighRSS(t *testing.T) {
	root := fakeProcRoot(t, "fabric-agent", 600*1024) // 600 MB

	p := NewProcessTablePressure("fabric-agent", 1, 2, 100, 500)
	p.procRoot = root

	snap, err := p.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, snap.Severity)
}
