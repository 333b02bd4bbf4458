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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// ErrUnavailable indicates the external topology enumeration command could
// not be run or its output could not be read. Callers must treat CPU pinning
// as unavailable for the rest of the run.
var ErrUnavailable = errors.New("topology enumeration unavailable")

// lscpuCommand enumerates online logical CPUs in parseable form. The field
// order matches what parseLine expects.
var lscpuCommand = []string{"lscpu", "--online", "--parse=CPU,CORE,SOCKET,NODE"}

// Discover runs the topology enumeration command, buffers its whole standard
// output and parses it into a Table. Malformed data lines abort discovery;
// use DiscoverLenient to skip them instead.
//
// Operation: Blocking on subprocess execution and pipe I/O.
func Discover(ctx context.Context) (*Table, error) {
	return discover(ctx, false)
}

// DiscoverLenient is Discover with skip-with-warning parsing.
func DiscoverLenient(ctx context.Context) (*Table, error) {
	return discover(ctx, true)
}

func discover(ctx context.Context, lenient bool) (*Table, error) {
	out, err := readLSCPU(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if lenient {
		return ParseLenient(bytes.NewReader(out))
	}
	return Parse(bytes.NewReader(out))
}

// readLSCPU executes the enumeration command and returns its entire stdout.
// The buffer grows as output arrives; there is no fixed size limit.
func readLSCPU(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, lscpuCommand[0], lscpuCommand[1:]...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %q: %w", lscpuCommand[0], err)
	}
	return stdout.Bytes(), nil
}
