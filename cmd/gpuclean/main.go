// gpuclean — free your VRAM.
// Inspects GPU memory via nvidia-smi and terminates the processes holding it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gpuclean/internal/clean"
	"gpuclean/internal/report"
	"gpuclean/internal/smi"
	"gpuclean/internal/tui"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		showStatus bool
		doClear    bool
		force      bool
		gpuCSV     string
		excludeCSV string
		dryRun     bool
		verbose    bool
		jsonOut    bool
		watch      bool
		smiPath    string
	)

	root := &cobra.Command{
		Use:     "gpuclean",
		Short:   "Clear NVIDIA GPU memory by terminating processes",
		Version: version,
		Example: `  gpuclean --status                    # show GPU status
  gpuclean --clear                     # terminate all GPU processes
  gpuclean --clear --force             # SIGKILL instead of SIGTERM
  gpuclean --clear --gpu 0,1           # only processes on GPU 0 and 1
  gpuclean --clear --exclude 1234,5678 # protect PIDs 1234 and 5678
  gpuclean --clear --dry-run           # preview without signaling
  gpuclean --watch                     # live dashboard`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			log := logrus.New()
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(logrus.WarnLevel)
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}

			gpus, err := parseIDSet(gpuCSV)
			if err != nil {
				return fmt.Errorf("--gpu: %w", err)
			}
			exclude, err := parseIDSet(excludeCSV)
			if err != nil {
				return fmt.Errorf("--exclude: %w", err)
			}
			opts := clean.Options{
				GPUs:    gpus,
				Exclude: exclude,
				Force:   force,
				DryRun:  dryRun,
			}

			client := smi.New(smiPath, log)
			cleaner := clean.New(log)

			if watch {
				return tui.Run(client, cleaner, opts)
			}

			if !showStatus && !doClear {
				showStatus = true
			}

			ctx := cmd.Context()
			status, err := client.Query(ctx)
			if err != nil {
				return err
			}

			if showStatus {
				if jsonOut {
					if err := encodeJSON(out, status); err != nil {
						return err
					}
				} else {
					printStatus(out, status)
				}
			}

			if doClear {
				candidates := clean.Filter(status.Processes, opts)
				result := cleaner.Clear(status.Processes, opts)

				if jsonOut {
					if err := encodeJSON(out, result); err != nil {
						return err
					}
				} else {
					printClearResult(out, result, candidates)
				}

				if !jsonOut && !result.DryRun && len(result.Succeeded) > 0 {
					// Give signaled processes a moment to release VRAM.
					time.Sleep(time.Second)
					if updated, err := client.Query(ctx); err == nil {
						fmt.Fprintln(out, "\nUpdated GPU status:")
						printStatus(out, updated)
					}
				}
			}
			return nil
		},
	}

	root.Flags().BoolVarP(&showStatus, "status", "s", false, "show current GPU memory status and processes")
	root.Flags().BoolVarP(&doClear, "clear", "c", false, "clear GPU memory by terminating processes")
	root.Flags().BoolVarP(&force, "force", "f", false, "use SIGKILL instead of SIGTERM")
	root.Flags().StringVarP(&gpuCSV, "gpu", "g", "", "comma-separated GPU IDs to target (e.g. \"0,1\")")
	root.Flags().StringVarP(&excludeCSV, "exclude", "e", "", "comma-separated PIDs to exclude from termination")
	root.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "show what would be done without signaling")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	root.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	root.Flags().BoolVarP(&watch, "watch", "w", false, "interactive live dashboard")
	root.Flags().StringVar(&smiPath, "smi-path", "", "path to the nvidia-smi binary (default: from PATH)")

	return root
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, s report.Status) {
	fmt.Fprintln(w, "=== GPU Memory Status ===")
	for _, g := range s.GPUs {
		fmt.Fprintf(w, "GPU %d: %dMB / %dMB (%.1f%% used, %dMB free)\n",
			g.Index, g.UsedMB, g.TotalMB, g.PercentUsed(), g.FreeMB())
	}
	if s.HostRAMTotal > 0 {
		fmt.Fprintf(w, "Host RAM: %dMB / %dMB free\n", s.HostRAMFree, s.HostRAMTotal)
	}
	if s.DriverVersion != "" {
		fmt.Fprintf(w, "Driver: %s\n", s.DriverVersion)
	}

	fmt.Fprintln(w, "\n=== GPU Processes ===")
	if len(s.Processes) == 0 {
		fmt.Fprintln(w, "No GPU processes found")
		return
	}
	for _, p := range s.Processes {
		fmt.Fprintf(w, "PID: %-8d GPU: %-3d Memory: %-8s Command: %s\n",
			p.PID, p.GPU, fmt.Sprintf("%dMB", p.MemMB), p.Command)
	}
}

func printClearResult(w io.Writer, result report.ClearResult, candidates []report.Process) {
	byPID := make(map[int]report.Process, len(candidates))
	for _, p := range candidates {
		byPID[p.PID] = p
	}

	if result.DryRun {
		fmt.Fprintf(w, "DRY RUN: would terminate %d processes:\n", len(result.Attempted))
		for _, pid := range result.Attempted {
			fmt.Fprintf(w, "  PID: %d, Command: %s\n", pid, byPID[pid].Command)
		}
		fmt.Fprintf(w, "\nDry run complete. Found %d processes to terminate.\n", len(result.Attempted))
		return
	}

	for _, pid := range result.Succeeded {
		fmt.Fprintf(w, "  terminated %d (%s)\n", pid, byPID[pid].Command)
	}
	for _, f := range result.Failed {
		fmt.Fprintf(w, "  failed %d (%s): %s\n", f.PID, byPID[f.PID].Command, f.Reason)
	}
	fmt.Fprintf(w, "\nCleared %d/%d GPU processes.\n", len(result.Succeeded), len(result.Attempted))
}

// parseIDSet converts "0,1,2" into a membership set. Empty input means no
// filter.
func parseIDSet(csv string) (map[int]bool, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	set := make(map[int]bool)
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		id, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", tok)
		}
		set[id] = true
	}
	return set, nil
}
