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
	"container/heap"

	"github.com/x-stp/numapin/internal/topology"
)

// selector picks the next logical CPU to assign a worker to. It keeps a
// min-heap of stable table indices ordered by the load comparator below.
// Entries are never permanently removed: each selection pops the best CPU,
// bumps its loads and pushes it straight back, so the pool can be
// oversubscribed without ever running dry.
type selector struct {
	h cpuHeap
}

func newSelector(table *topology.Table, loads *loadModel) *selector {
	s := &selector{h: cpuHeap{table: table, loads: loads}}
	s.h.idx = make([]int, table.Len())
	for i := range s.h.idx {
		s.h.idx[i] = i
	}
	heap.Init(&s.h)
	return s
}

// next returns the record of the CPU the next worker should be assigned to.
// O(log n) in the number of logical CPUs; never fails once constructed.
//
// Not safe for concurrent use; Platform serializes calls.
func (s *selector) next() topology.CPU {
	i := heap.Pop(&s.h).(int)
	cpu := s.h.table.At(i)
	s.h.loads.bump(cpu)
	heap.Push(&s.h, i)
	return cpu
}

// cpuHeap orders table indices by a four-level comparator, evaluated fresh
// at every comparison because loads change between selections:
//
//  1. a CPU on a less loaded core wins (spread work across cores);
//  2. on equal core load, a CPU on a *more* loaded socket wins (once cores
//     are balanced, pack workers into fewer sockets for locality);
//  3. on equal socket load, a CPU on a more loaded node wins, same idea;
//  4. lower logical CPU number breaks the final tie, making the order total
//     and selections deterministic.
type cpuHeap struct {
	idx   []int
	table *topology.Table
	loads *loadModel
}

func (h *cpuHeap) Len() int { return len(h.idx) }

func (h *cpuHeap) Less(i, j int) bool {
	a := h.table.At(h.idx[i])
	b := h.table.At(h.idx[j])

	if la, lb := h.loads.coreLoad(a.Core), h.loads.coreLoad(b.Core); la != lb {
		return la < lb
	}
	if la, lb := h.loads.socketLoad(a.Socket), h.loads.socketLoad(b.Socket); la != lb {
		return la > lb
	}
	if la, lb := h.loads.nodeLoad(a.Node), h.loads.nodeLoad(b.Node); la != lb {
		return la > lb
	}
	return a.Num < b.Num
}

func (h *cpuHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *cpuHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *cpuHeap) Pop() any {
	old := h.idx
	n := len(old)
	x := old[n-1]
	h.idx = old[:n-1]
	return x
}
