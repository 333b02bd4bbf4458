/*
Package main is the entry point for the numapin command-line application.

numapin discovers the host's logical-CPU/core/socket/NUMA-node topology and
schedules worker threads onto it: work is spread across cores first, and on
equal core load packed into already busy sockets and nodes for memory
locality. The chosen CPU is applied through sched_setaffinity.

Subcommands:
  - `topology` inspects the discovered CPU table.
  - `plan` previews which CPUs the next N workers would be assigned to,
    without pinning anything.
  - `run` starts a pool of pinned workers, pushes synthetic work through it
    and reports what each worker did and where it ran.

The application uses the Cobra library for command-line interface structure
and flag parsing. It leverages several internal packages:
  - `internal/topology`: lscpu-based discovery and parsing of the CPU table.
  - `internal/affinity`: load accounting, CPU selection and pinning.
  - `internal/core`: the pinned worker pool and work dispatch.
  - `internal/metrics`: Prometheus metrics for selections, pinning and workers.

Graceful shutdown is handled via context cancellation triggered by OS
signals (SIGINT, SIGTERM).
*/
package main

/*
numapin — NUMA-topology-aware CPU pinning for Go worker pools
Copyright (C) 2025  Pepijn van der Stap <numapin@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/numapin/internal/affinity"
	"github.com/x-stp/numapin/internal/core"
	"github.com/x-stp/numapin/internal/metrics"
	"github.com/x-stp/numapin/internal/topology"
)

// Global flags (persistent across commands)
var (
	lenientParse bool
	noPin        bool
)

// Flags specific to the plan and run commands
var (
	planWorkers  int
	runWorkers   int
	runItems     int
	runQueueCap  int
	runRate      float64
	metricsPort  int
	serveMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "numapin",
	Short: "numapin - NUMA-topology-aware CPU selection and worker pinning",
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Discover and print the host CPU topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showTopology(cmd.Context())
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the CPU assignment plan for the next N workers",
	Long: `Runs the selection heuristic N times against the discovered topology and
prints which logical CPU each worker would be assigned to, plus the
resulting per-core/socket/node load counts. Nothing is pinned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showPlan(cmd.Context(), planWorkers)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pool of CPU-pinned workers over synthetic work",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkerPool(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&lenientParse, "lenient", false,
		"Skip malformed topology records with a warning instead of aborting")
	rootCmd.PersistentFlags().BoolVar(&noPin, "no-pin", false,
		"Disable CPU pinning (selection still runs; affinity syscalls are skipped)")

	planCmd.Flags().IntVarP(&planWorkers, "workers", "n", 0,
		"Number of worker assignments to plan (0 for one per logical CPU)")

	runCmd.Flags().IntVarP(&runWorkers, "workers", "n", 0,
		"Number of pinned workers (0 for one per logical CPU)")
	runCmd.Flags().IntVarP(&runItems, "items", "c", 10000,
		"Number of synthetic work items to push through the pool")
	runCmd.Flags().IntVar(&runQueueCap, "queue", core.WorkerQueueCapacity,
		"Per-worker queue capacity")
	runCmd.Flags().Float64Var(&runRate, "rate", core.DefaultWorkerRate,
		"Per-worker processing rate in items/second")
	runCmd.Flags().BoolVar(&serveMetrics, "metrics", false,
		"Expose Prometheus metrics while running")
	runCmd.Flags().IntVar(&metricsPort, "metrics-port", 9090,
		"Prometheus metrics port")

	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newPlatform builds the platform honoring the persistent flags.
func newPlatform(ctx context.Context) (*affinity.Platform, error) {
	var opts []affinity.Option
	if noPin {
		opts = append(opts, affinity.WithPinningDisabled())
	}
	if lenientParse {
		opts = append(opts, affinity.WithDiscoverer(topology.DiscoverLenient))
	}
	return affinity.NewPlatform(ctx, opts...)
}

func showTopology(ctx context.Context) error {
	p, err := newPlatform(ctx)
	if err != nil {
		return err
	}
	table := p.Table()

	cores := make(map[int]struct{})
	sockets := make(map[int]struct{})
	nodes := make(map[int]struct{})

	fmt.Println("# CPU,Core,Socket,Node")
	fmt.Print(table)
	for i := 0; i < table.Len(); i++ {
		c := table.At(i)
		cores[c.Core] = struct{}{}
		sockets[c.Socket] = struct{}{}
		nodes[c.Node] = struct{}{}
	}
	fmt.Printf("# %d logical CPUs, %d cores, %d sockets, %d nodes (max CPU %d)\n",
		table.Len(), len(cores), len(sockets), len(nodes), table.MaxCPU())
	return nil
}

func showPlan(ctx context.Context, n int) error {
	p, err := newPlatform(ctx)
	if err != nil {
		return err
	}
	if n <= 0 {
		n = p.Table().Len()
	}

	for i := 0; i < n; i++ {
		fmt.Printf("worker %d -> cpu %d\n", i, p.NextWorkerCPU())
	}

	loads := p.Loads()
	printLoads("core", loads.Core)
	printLoads("socket", loads.Socket)
	printLoads("node", loads.Node)
	return nil
}

func printLoads(kind string, loads map[int]int) {
	ids := make([]int, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fmt.Printf("%s loads:", kind)
	for _, id := range ids {
		fmt.Printf(" %d=%d", id, loads[id])
	}
	fmt.Println()
}

func runWorkerPool(ctx context.Context) error {
	if serveMetrics {
		metrics.EnableMetrics()
		if err := metrics.StartMetricsServer(fmt.Sprintf(":%d", metricsPort)); err != nil {
			log.Printf("Failed to start metrics server: %v", err)
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.ShutdownMetricsServer(shCtx); err != nil {
				log.Printf("Metrics server shutdown: %v", err)
			}
		}()
	}

	p, err := newPlatform(ctx)
	if err != nil {
		return err
	}

	s, err := core.NewScheduler(ctx, p, core.Options{
		Workers:       runWorkers,
		QueueCapacity: runQueueCap,
		WorkerRate:    runRate,
	})
	if err != nil {
		return err
	}
	defer s.Shutdown()

	for i, cpu := range s.PinnedCPUs() {
		if cpu == affinity.UninitCPU {
			log.Printf("worker %d: not pinned", i)
		} else {
			log.Printf("worker %d: pinned to cpu %d", i, cpu)
		}
	}

	var processed atomic.Int64
	submitted := 0
	for i := 0; i < runItems; i++ {
		if ctx.Err() != nil {
			break
		}
		key := fmt.Sprintf("shard-%d", i%64)
		err := s.Submit(ctx, key, int64(i), func(item *core.WorkItem) error {
			processed.Add(1)
			return nil
		})
		if err != nil {
			if core.IsRetryable(err) {
				// Backpressure: give the queue a moment, then retry.
				time.Sleep(time.Millisecond)
				i--
				continue
			}
			return err
		}
		submitted++
	}
	s.Wait()

	st := s.Stats()
	log.Printf("submitted %d items; callbacks run %d; processed %d, errors %d, panics %d",
		submitted, processed.Load(), st.Processed, st.Errors, st.Panics)
	return nil
}
