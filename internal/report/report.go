// Package report defines the record and result types shared between the
// reader, the clearer, and the CLI/TUI output layers.
package report

// GPU is one device's memory snapshot from a single nvidia-smi invocation.
type GPU struct {
	Index   int    `json:"index"`
	UUID    string `json:"uuid,omitempty"`
	UsedMB  int64  `json:"mem_used_mb"`
	TotalMB int64  `json:"mem_total_mb"`
}

func (g GPU) FreeMB() int64 {
	return g.TotalMB - g.UsedMB
}

func (g GPU) PercentUsed() float64 {
	if g.TotalMB <= 0 {
		return 0
	}
	return float64(g.UsedMB) / float64(g.TotalMB) * 100
}

// Process is one process's GPU memory occupancy.
type Process struct {
	PID     int    `json:"pid"`
	GPU     int    `json:"gpu"`
	MemMB   int64  `json:"mem_mb"`
	Command string `json:"command"`
}

// Status is the full picture for one invocation. Discarded after display.
type Status struct {
	GPUs          []GPU     `json:"gpus"`
	Processes     []Process `json:"processes"`
	HostRAMTotal  int64     `json:"host_ram_total_mb"`
	HostRAMFree   int64     `json:"host_ram_free_mb"`
	DriverVersion string    `json:"driver_version,omitempty"`
}

// Failure records one PID that could not be signaled and why.
type Failure struct {
	PID    int    `json:"pid"`
	Reason string `json:"reason"`
}

// ClearResult summarizes one filter-then-signal pass. Partial success is the
// normal outcome: Failed entries never imply the batch aborted.
type ClearResult struct {
	Attempted []int     `json:"attempted"`
	Succeeded []int     `json:"succeeded"`
	Failed    []Failure `json:"failed"`
	DryRun    bool      `json:"dry_run"`
}
