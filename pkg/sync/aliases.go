// Copyright 2020 The gVisor Authors.
// Copyright 2026 The vmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sync provides the locking discipline of the memory subsystem:
// non-reentrant, ranked spinlocks owned by an execution context, plus
// aliases of the standard library primitives used outside that discipline.
package sync

import (
	"sync"
)

// Aliases of standard library types.
type (
	// WaitGroup is an alias of sync.WaitGroup.
	WaitGroup = sync.WaitGroup

	// Mutex is an alias of sync.Mutex. It is never used by code that may run
	// on behalf of a faulting thread.
	Mutex = sync.Mutex
)
