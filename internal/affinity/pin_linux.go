//go:build linux
// +build linux

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

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setAffinityMask binds pid's scheduling affinity to cpu exclusively. The
// mask must accommodate maxCPU+1 bits; a target outside the discovered
// topology or the fixed kernel mask size is rejected before the syscall,
// matching a mask-allocation failure.
func setAffinityMask(pid, cpu, maxCPU int) error {
	if cpu < 0 || cpu > maxCPU {
		return fmt.Errorf("CPU %d outside discovered topology (max CPU %d)", cpu, maxCPU)
	}

	var set unix.CPUSet
	if cpu >= len(set)*64 {
		return fmt.Errorf("CPU %d exceeds affinity mask capacity (%d)", cpu, len(set)*64)
	}

	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d, cpu %d): %w", pid, cpu, err)
	}
	return nil
}
