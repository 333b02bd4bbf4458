/*
Package affinity assigns worker threads to logical CPUs on a discovered NUMA
topology. It balances load across cores first, then packs workers into
already busy sockets and nodes for memory locality, and applies the chosen
assignment through the OS scheduling-affinity syscall.
*/
package affinity

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
	"log"
	"sync"

	"github.com/x-stp/numapin/internal/metrics"
	"github.com/x-stp/numapin/internal/topology"
)

// UninitCPU is the sentinel for "no CPU assigned yet". Passing it as the
// desired CPU to SetProcessAffinity is a no-op.
const UninitCPU = -1

// Platform owns the discovered topology, the per-core/socket/node load
// counters and the selection queue. Construct it once at process start;
// selection state lives for the process lifetime and is never torn down.
type Platform struct {
	table *topology.Table

	// mu serializes the pop->bump->reinsert sequence in NextWorkerCPU so
	// concurrent callers never observe the same pre-increment load snapshot.
	mu    sync.Mutex
	loads *loadModel
	sel   *selector

	pinningEnabled bool
	discover       func(context.Context) (*topology.Table, error)
	pinFn          func(pid, cpu, maxCPU int) error
}

// Option configures a Platform at construction time.
type Option func(*Platform)

// WithPinningDisabled turns SetProcessAffinity into a pure pass-through
// that returns the previous CPU without issuing any syscall.
func WithPinningDisabled() Option {
	return func(p *Platform) { p.pinningEnabled = false }
}

// WithDiscoverer replaces the default lscpu-based topology discovery.
func WithDiscoverer(fn func(context.Context) (*topology.Table, error)) Option {
	return func(p *Platform) { p.discover = fn }
}

// NewPlatform discovers the host topology, seeds the load counters to zero
// and builds the selection queue. On discovery failure it returns an error
// and the caller must treat pinning as unavailable for the run.
func NewPlatform(ctx context.Context, opts ...Option) (*Platform, error) {
	p := newPlatform(opts)
	table, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	p.init(table)
	return p, nil
}

// NewPlatformFromTable builds a Platform over an already discovered table.
func NewPlatformFromTable(table *topology.Table, opts ...Option) *Platform {
	p := newPlatform(opts)
	p.init(table)
	return p
}

func newPlatform(opts []Option) *Platform {
	p := &Platform{
		pinningEnabled: true,
		discover:       topology.Discover,
		pinFn:          setAffinityMask,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Platform) init(table *topology.Table) {
	p.table = table
	p.loads = newLoadModel(table)
	p.sel = newSelector(table, p.loads)
}

// Table returns the discovered topology.
func (p *Platform) Table() *topology.Table { return p.table }

// PinningEnabled reports whether SetProcessAffinity will issue syscalls.
func (p *Platform) PinningEnabled() bool { return p.pinningEnabled }

// Loads returns a copy of the current assigned-worker counters.
func (p *Platform) Loads() LoadSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads.snapshot()
}

// NextWorkerCPU returns the logical CPU the next worker should run on and
// records the assignment. It prefers CPUs on lightly loaded cores, breaking
// ties towards busier sockets and nodes for locality. CPUs are never
// exhausted: once every core has a worker, further calls start doubling up.
//
// Safe for concurrent use; never fails after construction.
func (p *Platform) NextWorkerCPU() int {
	p.mu.Lock()
	cpu := p.sel.next()
	coreLoad := p.loads.coreLoad(cpu.Core)
	socketLoad := p.loads.socketLoad(cpu.Socket)
	nodeLoad := p.loads.nodeLoad(cpu.Node)
	p.mu.Unlock()

	metrics.GetMetrics().ObserveSelection(cpu.Num, cpu.Core, cpu.Socket, cpu.Node,
		coreLoad, socketLoad, nodeLoad)
	return cpu.Num
}

// SetProcessAffinity binds pid's scheduling affinity to desiredCPU alone and
// returns the new effective CPU. pid 0 means the calling thread.
//
// No syscall is issued when pinning is disabled, desiredCPU is UninitCPU, or
// desiredCPU equals previousCPU; the call then returns previousCPU, which
// makes repeated identical requests idempotent.
//
// On syscall failure the prior pinning is left intact: a critical diagnostic
// is logged and previousCPU is returned. Failures never propagate.
func (p *Platform) SetProcessAffinity(pid, desiredCPU, previousCPU int) int {
	m := metrics.GetMetrics()

	if !p.pinningEnabled || desiredCPU == UninitCPU || desiredCPU == previousCPU {
		m.PinNoopsTotal.Inc()
		return previousCPU
	}

	m.PinAttemptsTotal.Inc()
	if err := p.pinFn(pid, desiredCPU, p.table.MaxCPU()); err != nil {
		log.Printf("critical: CPU pinning is enabled, but the affinity for PID %d could not be set to CPU %d: %v",
			pid, desiredCPU, err)
		m.PinFailuresTotal.Inc()
		return previousCPU
	}

	return desiredCPU
}
