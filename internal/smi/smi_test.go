package smi

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestClient() *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New("", log)
}

// Captured from a real `nvidia-smi pmon -c 1 -s um` run.
const pmonSample = `# gpu        pid  type    sm   mem   enc   dec    fb   command
# Idx          #   C/G     %     %     %     %    MB   name
    0       7372     C     2     0     2     -   136   ffmpeg
    0      12176     C     5     2     3     7   782   ffmpeg
    1      20035     C     8     2     4     1  1145   python
    1      20141     C     2     1     1     3   429   python
    0      29591     C     2     1     -     2   435   ffmpeg`

func TestParsePmon(t *testing.T) {
	c := newTestClient()
	procs := c.parsePmon([]byte(pmonSample))
	if len(procs) != 5 {
		t.Fatalf("expected 5 processes, got %d", len(procs))
	}

	first := procs[0]
	if first.PID != 7372 || first.GPU != 0 || first.MemMB != 136 || first.Command != "ffmpeg" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if procs[2].GPU != 1 || procs[2].MemMB != 1145 {
		t.Fatalf("unexpected third record: %+v", procs[2])
	}
}

func TestParsePmonSkipsMalformedLines(t *testing.T) {
	c := newTestClient()
	input := `# gpu        pid  type    sm   mem   enc   dec    fb   command
    0       7372     C     2     0     2     -   136   ffmpeg
garbage line
    0       oops     C     2     0     2     -   136   ffmpeg
    1      20035     C     8     2     4     1  1145   python`
	procs := c.parsePmon([]byte(input))
	if len(procs) != 2 {
		t.Fatalf("expected 2 valid processes, got %d", len(procs))
	}
	if procs[0].PID != 7372 || procs[1].PID != 20035 {
		t.Fatalf("wrong survivors: %+v", procs)
	}
}

func TestParsePmonIdleSlot(t *testing.T) {
	c := newTestClient()
	input := `# gpu        pid  type    sm   mem   enc   dec    fb   command
    0          -     -     -     -     -     -     -     -`
	procs := c.parsePmon([]byte(input))
	if len(procs) != 0 {
		t.Fatalf("idle slot should yield no processes, got %+v", procs)
	}
}

func TestParseGPUList(t *testing.T) {
	c := newTestClient()
	input := `0, GPU-c5533cd4-5a60-059e-348d-b6d7466932e4, 512 MiB, 16384 MiB
1, GPU-128ab6fb-6ec9-fd74-b479-4a5fd14f55bd, 1024, 16384`
	gpus := c.parseGPUList([]byte(input))
	if len(gpus) != 2 {
		t.Fatalf("expected 2 GPUs, got %d", len(gpus))
	}
	if gpus[0].Index != 0 || gpus[0].UsedMB != 512 || gpus[0].TotalMB != 16384 {
		t.Fatalf("unexpected GPU 0: %+v", gpus[0])
	}
	if gpus[0].FreeMB() != 15872 {
		t.Fatalf("expected 15872 free, got %d", gpus[0].FreeMB())
	}
	if gpus[1].UsedMB != 1024 {
		t.Fatalf("nounits row should parse too: %+v", gpus[1])
	}
}

func TestParseGPUListSkipsMalformedLines(t *testing.T) {
	c := newTestClient()
	input := `0, GPU-aaa, 512 MiB, 16384 MiB
not-a-number, GPU-bbb, 1 MiB, 2 MiB
1, GPU-ccc, [N/A], 16384 MiB
1, GPU-ddd`
	gpus := c.parseGPUList([]byte(input))
	if len(gpus) != 1 {
		t.Fatalf("expected 1 valid GPU, got %d: %+v", len(gpus), gpus)
	}
	if gpus[0].Index != 0 {
		t.Fatalf("wrong survivor: %+v", gpus[0])
	}
}

func TestParseComputeApps(t *testing.T) {
	c := newTestClient()
	byUUID := map[string]int{
		"GPU-aaa": 0,
		"GPU-bbb": 1,
	}
	input := `GPU-aaa, 10131, ffmpeg, 389 MiB
GPU-bbb, 13597, python3, 1054 MiB
GPU-aaa, bogus, broken, 1 MiB`
	procs := c.parseComputeApps([]byte(input), byUUID)
	if len(procs) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(procs))
	}
	if procs[0].PID != 10131 || procs[0].GPU != 0 || procs[0].MemMB != 389 || procs[0].Command != "ffmpeg" {
		t.Fatalf("unexpected first record: %+v", procs[0])
	}
	if procs[1].GPU != 1 {
		t.Fatalf("uuid attribution failed: %+v", procs[1])
	}
}

func TestParseMiB(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1024 MiB", 1024, false},
		{"1024MiB", 1024, false},
		{" 389 MiB ", 389, false},
		{"0", 0, false},
		{"[N/A]", 0, true},
		{"-", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := parseMiB(tc.in)
		if tc.wantErr != (err != nil) {
			t.Fatalf("parseMiB(%q): err=%v, wantErr=%v", tc.in, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("parseMiB(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestQueryToolNotFound(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := New("definitely-not-a-real-binary-xyz", log)
	_, err := c.Query(context.Background())
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

// fakeClient points a Client at a shell script standing in for nvidia-smi.
func fakeClient(t *testing.T, script string) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvidia-smi")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake nvidia-smi: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(path, log)
}

func TestQueryNoRecords(t *testing.T) {
	c := fakeClient(t, `#!/bin/sh
echo ""
`)
	_, err := c.Query(context.Background())
	if !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected ErrNoRecords for empty GPU output, got %v", err)
	}
}

func TestQueryPmonPath(t *testing.T) {
	c := fakeClient(t, `#!/bin/sh
case "$1" in
  pmon)
    printf '%s\n' '# gpu        pid  type    sm   mem   enc   dec    fb   command'
    printf '%s\n' '    0       7372     C     2     0     2     -   136   ffmpeg'
    ;;
  --query-gpu=driver_version)
    echo "555.42.06"
    ;;
  --query-gpu=*)
    echo "0, GPU-aaa, 512 MiB, 16384 MiB"
    ;;
esac
`)
	status, err := c.Query(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(status.GPUs) != 1 || status.GPUs[0].UsedMB != 512 {
		t.Fatalf("unexpected GPUs: %+v", status.GPUs)
	}
	if len(status.Processes) != 1 || status.Processes[0].PID != 7372 {
		t.Fatalf("unexpected processes: %+v", status.Processes)
	}
	if status.DriverVersion != "555.42.06" {
		t.Fatalf("unexpected driver version %q", status.DriverVersion)
	}
}

func TestQueryFallbackToComputeApps(t *testing.T) {
	c := fakeClient(t, `#!/bin/sh
case "$1" in
  pmon)
    echo "pmon is not supported" >&2
    exit 1
    ;;
  --query-gpu=driver_version)
    echo "555.42.06"
    ;;
  --query-gpu=*)
    printf '%s\n' '0, GPU-aaa, 512 MiB, 16384 MiB' '1, GPU-bbb, 1024 MiB, 16384 MiB'
    ;;
  --query-compute-apps=*)
    echo "GPU-bbb, 10131, ffmpeg, 389 MiB"
    ;;
esac
`)
	status, err := c.Query(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(status.Processes) != 1 {
		t.Fatalf("expected 1 process via compute-apps, got %+v", status.Processes)
	}
	p := status.Processes[0]
	if p.PID != 10131 || p.GPU != 1 || p.MemMB != 389 || p.Command != "ffmpeg" {
		t.Fatalf("uuid attribution failed: %+v", p)
	}
}

func TestQueryNoRunningProcesses(t *testing.T) {
	// Some driver versions exit non-zero with this stderr message when no
	// compute apps are running; that is an empty list, not an error.
	c := fakeClient(t, `#!/bin/sh
case "$1" in
  pmon)
    printf '%s\n' '# gpu        pid  type    sm   mem   enc   dec    fb   command'
    printf '%s\n' '    0          -     -     -     -     -     -     -     -'
    ;;
  --query-gpu=driver_version)
    echo "555.42.06"
    ;;
  --query-gpu=*)
    echo "0, GPU-aaa, 1 MiB, 16384 MiB"
    ;;
  --query-compute-apps=*)
    echo "No running processes found" >&2
    exit 1
    ;;
esac
`)
	status, err := c.Query(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(status.GPUs) != 1 {
		t.Fatalf("unexpected GPUs: %+v", status.GPUs)
	}
	if len(status.Processes) != 0 {
		t.Fatalf("expected no processes, got %+v", status.Processes)
	}
}
