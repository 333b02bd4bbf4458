package affinity

import (
	"testing"

	"github.com/x-stp/numapin/internal/topology"
)

// twoCore is the minimal balancing topology: two CPUs on distinct cores,
// sockets and nodes.
func twoCore() *topology.Table {
	return topology.NewTable([]topology.CPU{
		{Num: 0, Core: 0, Socket: 0, Node: 0},
		{Num: 1, Core: 1, Socket: 1, Node: 1},
	})
}

// dualSocket is 2 sockets x 2 cores, one CPU per core, node per socket.
func dualSocket() *topology.Table {
	return topology.NewTable([]topology.CPU{
		{Num: 0, Core: 0, Socket: 0, Node: 0},
		{Num: 1, Core: 1, Socket: 0, Node: 0},
		{Num: 2, Core: 2, Socket: 1, Node: 1},
		{Num: 3, Core: 3, Socket: 1, Node: 1},
	})
}

func TestSelectorSpreadsAcrossCores(t *testing.T) {
	t.Parallel()

	p := NewPlatformFromTable(twoCore(), WithPinningDisabled())

	if got := p.NextWorkerCPU(); got != 0 {
		t.Fatalf("first selection: got CPU %d, want 0 (tie-break on equal loads)", got)
	}
	if got := p.NextWorkerCPU(); got != 1 {
		t.Fatalf("second selection: got CPU %d, want 1 (core 0 now loaded)", got)
	}
}

func TestSelectorPrefersHotterSocketOnCoreTie(t *testing.T) {
	t.Parallel()

	p := NewPlatformFromTable(dualSocket(), WithPinningDisabled())

	if got := p.NextWorkerCPU(); got != 0 {
		t.Fatalf("first selection: got CPU %d, want 0", got)
	}
	// CPUs 1, 2 and 3 all sit on unloaded cores; CPU 1 shares the now
	// hotter socket 0 and must win the tie for locality.
	if got := p.NextWorkerCPU(); got != 1 {
		t.Fatalf("second selection: got CPU %d, want 1 (socket 0 is hotter)", got)
	}
	// Socket 0 has no idle cores left; the spread objective moves the next
	// worker to socket 1, lowest CPU number first.
	if got := p.NextWorkerCPU(); got != 2 {
		t.Fatalf("third selection: got CPU %d, want 2", got)
	}
	if got := p.NextWorkerCPU(); got != 3 {
		t.Fatalf("fourth selection: got CPU %d, want 3 (node 1 is hotter than a fresh tie)", got)
	}
}

func TestSelectorSiblingCPUsShareCoreLoad(t *testing.T) {
	t.Parallel()

	// CPUs 0 and 1 are SMT siblings on core 0; CPU 2 has core 1 to itself.
	table := topology.NewTable([]topology.CPU{
		{Num: 0, Core: 0, Socket: 0, Node: 0},
		{Num: 1, Core: 0, Socket: 0, Node: 0},
		{Num: 2, Core: 1, Socket: 0, Node: 0},
	})
	p := NewPlatformFromTable(table, WithPinningDisabled())

	// Core load is what spreads work, so the sibling CPU 1 never beats
	// CPU 0: their core counters are identical and the number tie-break
	// favors 0. Selections alternate between the two cores.
	want := []int{0, 2, 0, 2}
	for i, w := range want {
		if got := p.NextWorkerCPU(); got != w {
			t.Fatalf("selection %d: got CPU %d, want %d", i, got, w)
		}
	}
}

func TestSelectorNeverExhausts(t *testing.T) {
	t.Parallel()

	table := dualSocket()
	p := NewPlatformFromTable(table, WithPinningDisabled())

	n := table.Len()
	for i := 0; i < n*5+3; i++ {
		cpu := p.NextWorkerCPU()
		if cpu < 0 || cpu > table.MaxCPU() {
			t.Fatalf("selection %d: CPU %d out of range", i, cpu)
		}
	}

	// Oversubscription stays balanced: every core carries the same count.
	loads := p.Loads()
	for core, load := range loads.Core {
		if load != 5 && load != 6 {
			t.Errorf("core %d: load %d, want 5 or 6", core, load)
		}
	}
}

func TestSelectorIsDeterministic(t *testing.T) {
	t.Parallel()

	const rounds = 16
	a := NewPlatformFromTable(dualSocket(), WithPinningDisabled())
	b := NewPlatformFromTable(dualSocket(), WithPinningDisabled())

	for i := 0; i < rounds; i++ {
		if x, y := a.NextWorkerCPU(), b.NextWorkerCPU(); x != y {
			t.Fatalf("selection %d diverged: %d vs %d", i, x, y)
		}
	}
}

func TestSelectorSingleCPU(t *testing.T) {
	t.Parallel()

	table := topology.NewTable([]topology.CPU{{Num: 0, Core: 0, Socket: 0, Node: 0}})
	p := NewPlatformFromTable(table, WithPinningDisabled())

	for i := 0; i < 4; i++ {
		if got := p.NextWorkerCPU(); got != 0 {
			t.Fatalf("selection %d: got CPU %d, want 0", i, got)
		}
	}
	if got := p.Loads().Core[0]; got != 4 {
		t.Errorf("core 0 load: got %d, want 4", got)
	}
}
