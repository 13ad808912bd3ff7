// Package clean filters GPU process records and signals the survivors.
package clean

import (
	"errors"
	"syscall"

	"gpuclean/internal/report"

	"github.com/sirupsen/logrus"
)

// Options controls one clearing pass. An empty GPUs set means all GPUs.
type Options struct {
	GPUs    map[int]bool
	Exclude map[int]bool
	Force   bool
	DryRun  bool
}

// Cleaner terminates GPU processes. Construct with New and pass explicitly.
type Cleaner struct {
	kill func(pid int, sig syscall.Signal) error
	log  *logrus.Logger
}

func New(log *logrus.Logger) *Cleaner {
	return &Cleaner{
		kill: func(pid int, sig syscall.Signal) error {
			return syscall.Kill(pid, sig)
		},
		log: log,
	}
}

// Filter returns the process records a clearing pass would act on: gpu_id in
// the allow-list (or allow-list empty) and pid not excluded.
func Filter(procs []report.Process, opts Options) []report.Process {
	var kept []report.Process
	for _, p := range procs {
		if len(opts.GPUs) > 0 && !opts.GPUs[p.GPU] {
			continue
		}
		if opts.Exclude[p.PID] {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// Clear signals every filtered process. Per-PID failures are recorded and
// never abort the batch; in dry-run mode no signal is sent and every
// candidate is reported as attempted.
func (c *Cleaner) Clear(procs []report.Process, opts Options) report.ClearResult {
	// Non-nil slices so --json renders empty arrays rather than null.
	result := report.ClearResult{
		Attempted: []int{},
		Succeeded: []int{},
		Failed:    []report.Failure{},
		DryRun:    opts.DryRun,
	}

	sig := syscall.SIGTERM
	if opts.Force {
		sig = syscall.SIGKILL
	}

	for _, p := range Filter(procs, opts) {
		result.Attempted = append(result.Attempted, p.PID)
		if opts.DryRun {
			continue
		}
		if err := c.kill(p.PID, sig); err != nil {
			result.Failed = append(result.Failed, report.Failure{
				PID:    p.PID,
				Reason: reason(err),
			})
			c.log.WithFields(logrus.Fields{"pid": p.PID, "command": p.Command}).
				WithError(err).Warn("failed to signal process")
			continue
		}
		result.Succeeded = append(result.Succeeded, p.PID)
		c.log.WithFields(logrus.Fields{"pid": p.PID, "signal": sig.String()}).
			Debug("signaled process")
	}
	return result
}

func reason(err error) string {
	switch {
	case errors.Is(err, syscall.EPERM):
		return "permission denied"
	case errors.Is(err, syscall.ESRCH):
		return "no such process"
	default:
		return err.Error()
	}
}
