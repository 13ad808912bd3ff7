// Package smi queries GPU and process state via nvidia-smi.
package smi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"gpuclean/internal/report"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var (
	// ErrToolNotFound means the nvidia-smi binary is not on PATH.
	ErrToolNotFound = errors.New("nvidia-smi not found")
	// ErrNoRecords means the GPU query produced zero parseable rows.
	ErrNoRecords = errors.New("no GPU records parsed")

	errNoResults = errors.New("nvidia-smi: no results")
)

const defaultTimeout = 5 * time.Second

// Client invokes nvidia-smi and parses its output. Construct with New and
// pass explicitly; there is no package-level default.
type Client struct {
	Binary  string
	Timeout time.Duration
	log     *logrus.Logger
}

func New(binary string, log *logrus.Logger) *Client {
	if strings.TrimSpace(binary) == "" {
		binary = "nvidia-smi"
	}
	return &Client{Binary: binary, Timeout: defaultTimeout, log: log}
}

func (c *Client) Available() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

// Query returns one snapshot of GPU memory usage and process occupancy.
func (c *Client) Query(ctx context.Context) (report.Status, error) {
	if !c.Available() {
		return report.Status{}, fmt.Errorf("%w: install NVIDIA drivers or pass --smi-path", ErrToolNotFound)
	}

	gpus, byUUID, err := c.queryGPUs(ctx)
	if err != nil {
		return report.Status{}, err
	}
	if len(gpus) == 0 {
		return report.Status{}, ErrNoRecords
	}

	procs, err := c.queryProcesses(ctx, byUUID)
	if err != nil {
		return report.Status{}, err
	}
	c.resolveCommands(procs)

	status := report.Status{
		GPUs:          gpus,
		Processes:     procs,
		DriverVersion: c.DriverVersion(ctx),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.HostRAMTotal = int64(vm.Total / 1024 / 1024)
		status.HostRAMFree = int64(vm.Available / 1024 / 1024)
	}
	return status, nil
}

func (c *Client) queryGPUs(ctx context.Context) ([]report.GPU, map[string]int, error) {
	out, err := c.run(ctx,
		"--query-gpu=index,uuid,memory.used,memory.total",
		"--format=csv,noheader",
	)
	if err != nil {
		return nil, nil, err
	}
	gpus := c.parseGPUList(out)
	byUUID := make(map[string]int, len(gpus))
	for _, g := range gpus {
		if g.UUID != "" {
			byUUID[g.UUID] = g.Index
		}
	}
	return gpus, byUUID, nil
}

// queryProcesses prefers pmon, which reports the GPU index directly, and
// falls back to the compute-apps query with uuid attribution when pmon
// yields nothing.
func (c *Client) queryProcesses(ctx context.Context, byUUID map[string]int) ([]report.Process, error) {
	out, err := c.run(ctx, "pmon", "-c", "1", "-s", "um")
	if err == nil {
		if procs := c.parsePmon(out); len(procs) > 0 {
			return procs, nil
		}
	} else if !errors.Is(err, errNoResults) {
		c.log.WithError(err).Debug("pmon unavailable, falling back to compute-apps query")
	}

	out, err = c.run(ctx,
		"--query-compute-apps=gpu_uuid,pid,process_name,used_gpu_memory",
		"--format=csv,noheader",
	)
	if err != nil {
		// Some driver versions exit non-zero when nothing is running.
		if errors.Is(err, errNoResults) {
			return nil, nil
		}
		return nil, err
	}
	return c.parseComputeApps(out, byUUID), nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(qctx, c.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		se := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(se), "no running processes") {
			return nil, errNoResults
		}
		return nil, fmt.Errorf("%s %s: %w: %s", c.Binary, args[0], err, se)
	}
	return out, nil
}

// parseGPUList reads CSV rows of index, uuid, memory.used, memory.total.
// Malformed rows are skipped with a warning, never fatal on their own.
func (c *Client) parseGPUList(out []byte) []report.GPU {
	var gpus []report.GPU
	for _, cols := range csvLines(out) {
		if len(cols) < 4 {
			c.log.WithField("line", strings.Join(cols, ",")).Warn("skipping short GPU row")
			continue
		}
		idx, err := strconv.Atoi(cols[0])
		if err != nil {
			c.log.WithField("line", strings.Join(cols, ",")).Warn("skipping GPU row with bad index")
			continue
		}
		used, uerr := parseMiB(cols[2])
		total, terr := parseMiB(cols[3])
		if uerr != nil || terr != nil {
			c.log.WithField("line", strings.Join(cols, ",")).Warn("skipping GPU row with bad memory field")
			continue
		}
		gpus = append(gpus, report.GPU{Index: idx, UUID: cols[1], UsedMB: used, TotalMB: total})
	}
	return gpus
}

// parsePmon reads `pmon -c 1 -s um` output:
//
//	# gpu        pid  type    sm   mem   enc   dec    fb   command
//	    0       7372     C     2     0     2     -   136   ffmpeg
//
// Header lines start with '#'. An idle GPU prints a row with '-' in the pid
// column; that is a well-formed empty slot, not a process. fb is MiB.
func (c *Client) parsePmon(out []byte) []report.Process {
	var procs []report.Process
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			c.log.WithField("line", line).Warn("skipping short pmon row")
			continue
		}
		if fields[1] == "-" {
			continue
		}
		gpuID, gerr := strconv.Atoi(fields[0])
		pid, perr := strconv.Atoi(fields[1])
		if gerr != nil || perr != nil {
			c.log.WithField("line", line).Warn("skipping unparseable pmon row")
			continue
		}
		procs = append(procs, report.Process{
			PID:     pid,
			GPU:     gpuID,
			MemMB:   pmonMiB(fields[7]),
			Command: strings.Join(fields[8:], " "),
		})
	}
	return procs
}

// parseComputeApps reads CSV rows of gpu_uuid, pid, process_name,
// used_gpu_memory, attributing each process to a GPU index via byUUID.
func (c *Client) parseComputeApps(out []byte, byUUID map[string]int) []report.Process {
	var procs []report.Process
	for _, cols := range csvLines(out) {
		if len(cols) < 4 {
			c.log.WithField("line", strings.Join(cols, ",")).Warn("skipping short compute-apps row")
			continue
		}
		pid, err := strconv.Atoi(cols[1])
		if err != nil {
			c.log.WithField("line", strings.Join(cols, ",")).Warn("skipping compute-apps row with bad pid")
			continue
		}
		memMB, err := parseMiB(cols[3])
		if err != nil {
			c.log.WithField("line", strings.Join(cols, ",")).Warn("skipping compute-apps row with bad memory field")
			continue
		}
		procs = append(procs, report.Process{
			PID:     pid,
			GPU:     byUUID[cols[0]],
			MemMB:   memMB,
			Command: cols[2],
		})
	}
	return procs
}

// resolveCommands fills in command names pmon truncates to '-'.
func (c *Client) resolveCommands(procs []report.Process) {
	for i := range procs {
		if procs[i].Command != "" && procs[i].Command != "-" {
			continue
		}
		p, err := process.NewProcess(int32(procs[i].PID))
		if err != nil {
			continue
		}
		if name, err := p.Name(); err == nil && name != "" {
			procs[i].Command = name
		}
	}
}

func (c *Client) DriverVersion(ctx context.Context) string {
	out, err := c.run(ctx, "--query-gpu=driver_version", "--format=csv,noheader")
	if err != nil {
		return ""
	}
	lines := csvLines(out)
	if len(lines) == 0 || len(lines[0]) == 0 {
		return ""
	}
	return lines[0][0]
}

func csvLines(out []byte) [][]string {
	var lines [][]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		lines = append(lines, cols)
	}
	return lines
}

// parseMiB converts "1024", "1024 MiB", or "1024MiB" to 1024. Anything with
// no leading digits is an error.
func parseMiB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("no numeric prefix in %q", s)
	}
	return strconv.ParseInt(s[:end], 10, 64)
}

// pmonMiB reads a pmon cell where '-' means none.
func pmonMiB(s string) int64 {
	if s == "-" {
		return 0
	}
	v, err := parseMiB(s)
	if err != nil {
		return 0
	}
	return v
}
