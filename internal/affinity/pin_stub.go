//go:build !linux
// +build !linux

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

// This file provides a stub for platforms without sched_setaffinity.
// Selection and load accounting work everywhere; applying an assignment
// reports failure and the caller keeps its previous pinning.

package affinity

import "errors"

func setAffinityMask(pid, cpu, maxCPU int) error {
	return errors.New("CPU affinity is not supported on this platform")
}
