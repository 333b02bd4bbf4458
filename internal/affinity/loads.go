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
	"github.com/x-stp/numapin/internal/topology"
)

// loadModel tracks how many workers have been assigned to each core, socket
// and node. Counters only ever increase: an assignment is permanent for the
// life of the process, there is no release operation.
type loadModel struct {
	core   map[int]int
	socket map[int]int
	node   map[int]int
}

// newLoadModel seeds all three counter maps to zero for every id present in
// the table, so the comparator never observes a missing key.
func newLoadModel(table *topology.Table) *loadModel {
	l := &loadModel{
		core:   make(map[int]int),
		socket: make(map[int]int),
		node:   make(map[int]int),
	}
	for i := 0; i < table.Len(); i++ {
		c := table.At(i)
		l.core[c.Core] = 0
		l.socket[c.Socket] = 0
		l.node[c.Node] = 0
	}
	return l
}

// bump records one new worker assigned to the given CPU.
func (l *loadModel) bump(c topology.CPU) {
	l.core[c.Core]++
	l.socket[c.Socket]++
	l.node[c.Node]++
}

func (l *loadModel) coreLoad(id int) int   { return l.core[id] }
func (l *loadModel) socketLoad(id int) int { return l.socket[id] }
func (l *loadModel) nodeLoad(id int) int   { return l.node[id] }

// LoadSnapshot is a point-in-time copy of the assigned-worker counters,
// keyed by core, socket and node id.
type LoadSnapshot struct {
	Core   map[int]int
	Socket map[int]int
	Node   map[int]int
}

func (l *loadModel) snapshot() LoadSnapshot {
	s := LoadSnapshot{
		Core:   make(map[int]int, len(l.core)),
		Socket: make(map[int]int, len(l.socket)),
		Node:   make(map[int]int, len(l.node)),
	}
	for k, v := range l.core {
		s.Core[k] = v
	}
	for k, v := range l.socket {
		s.Socket[k] = v
	}
	for k, v := range l.node {
		s.Node[k] = v
	}
	return s
}
