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
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

// recordFields is the fixed field count of a data line:
// CPU,Core,Socket,Node.
const recordFields = 4

// ParseError describes a data line that did not parse into exactly four
// integer fields. It carries the 1-based line number and the offending text
// so callers can decide whether to skip or abort.
type ParseError struct {
	Line int    // 1-based line number in the input
	Text string // the raw line, without trailing newline
	Err  error  // underlying cause
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("topology: line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads lscpu-style parseable output and returns the topology table.
// Lines starting with '#' are comments and skipped. Every other line must be
// exactly four comma-separated integers in the order CPU,Core,Socket,Node.
//
// Parsing is strict: the first malformed line aborts with a *ParseError.
// Input order is preserved in the returned table.
func Parse(r io.Reader) (*Table, error) {
	return parse(r, false)
}

// ParseLenient is Parse with skip-with-warning semantics: malformed lines
// are logged and dropped instead of aborting. The input must still yield at
// least one valid record.
func ParseLenient(r io.Reader) (*Table, error) {
	return parse(r, true)
}

func parse(r io.Reader, lenient bool) (*Table, error) {
	var cpus []CPU

	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cpu, err := parseLine(line)
		if err != nil {
			perr := &ParseError{Line: lineNum, Text: line, Err: err}
			if !lenient {
				return nil, perr
			}
			log.Printf("Warning: skipping malformed topology record: %v", perr)
			continue
		}
		cpus = append(cpus, cpu)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("topology: reading input: %w", err)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("topology: no CPU records in input")
	}

	return NewTable(cpus), nil
}

// parseLine splits one data line into a CPU record. Exactly four integer
// fields are required; anything else is an error.
func parseLine(line string) (CPU, error) {
	fields := strings.Split(line, ",")
	if len(fields) != recordFields {
		return CPU{}, fmt.Errorf("expected %d fields, got %d", recordFields, len(fields))
	}

	var vals [recordFields]int
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return CPU{}, fmt.Errorf("field %d: %w", i, err)
		}
		if v < 0 {
			return CPU{}, fmt.Errorf("field %d: negative value %d", i, v)
		}
		vals[i] = v
	}

	return CPU{Num: vals[0], Core: vals[1], Socket: vals[2], Node: vals[3]}, nil
}
