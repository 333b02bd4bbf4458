/*
Package topology discovers the host's logical-CPU layout: which core, socket
and NUMA node each schedulable CPU belongs to. The result is an immutable
Table that the affinity scheduler orders and selects from.
*/
package topology

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
	"fmt"
	"strings"
)

// CPU is one logical CPU (a schedulable hardware thread).
//
// One core has one or more logical CPUs, one socket has one or more cores,
// and one NUMA node has one or more sockets. Num is the unique key.
type CPU struct {
	Num    int // logical CPU number, unique across the table
	Core   int
	Socket int
	Node   int
}

// String renders the record in the same CSV order it was parsed from.
func (c CPU) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", c.Num, c.Core, c.Socket, c.Node)
}

// Table is the discovered CPU topology. It preserves discovery order and is
// never resized or reordered after construction; the affinity scheduler
// references entries by stable index.
type Table struct {
	cpus   []CPU
	maxCPU int
}

// NewTable builds a Table from the given records. The slice is copied so the
// caller cannot mutate the table afterwards.
func NewTable(cpus []CPU) *Table {
	t := &Table{cpus: make([]CPU, len(cpus))}
	copy(t.cpus, cpus)
	for _, c := range t.cpus {
		if c.Num > t.maxCPU {
			t.maxCPU = c.Num
		}
	}
	return t
}

// Len returns the number of logical CPUs in the table.
func (t *Table) Len() int { return len(t.cpus) }

// At returns the record at index i, in discovery order.
func (t *Table) At(i int) CPU { return t.cpus[i] }

// MaxCPU returns the highest logical CPU number in the table. Affinity masks
// must be sized to hold at least MaxCPU+1 bits.
func (t *Table) MaxCPU() int { return t.maxCPU }

// String renders the whole table, one record per line.
func (t *Table) String() string {
	var sb strings.Builder
	for _, c := range t.cpus {
		sb.WriteString(c.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
