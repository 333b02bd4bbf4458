package core

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
	"time"
)

// Common constants
const (
	// WorkerQueueCapacity is the capacity of a worker's buffered queue.
	WorkerQueueCapacity = 1024

	// DefaultWorkerRate is the initial per-worker processing rate in items
	// per second, adjusted per deployment via Options.
	DefaultWorkerRate = 1000
)

// WorkItem represents a unit of work dispatched to a pinned worker. Items
// are pooled; Callback, Ctx and ShardKey are reset before reuse.
type WorkItem struct {
	// Immutable fields
	ShardKey  string // routes the item to a worker via hashing
	Seq       int64  // caller-assigned sequence number
	Callback  WorkCallback
	Ctx       context.Context
	CreatedAt time.Time

	// Mutable fields
	Attempt int
	Error   error
}

// WorkCallback is the function signature for work item callbacks.
type WorkCallback func(item *WorkItem) error
