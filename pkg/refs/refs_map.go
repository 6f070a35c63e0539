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

package refs

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/log"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are
	// found.
	LeaksPanic
)

// String implements fmt.Stringer.String.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log-names"
	case LeaksPanic:
		return "panic"
	default:
		return fmt.Sprintf("LeakMode(%d)", uint32(l))
	}
}

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	for m := NoLeakChecking; m <= LeaksPanic; m++ {
		if m.String() == v {
			*l = m
			return nil
		}
	}
	return fmt.Errorf("invalid ref leak mode %q", v)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LeakMode) UnmarshalText(text []byte) error {
	return l.Set(string(text))
}

// leakMode stores the current mode for the reference leak checker.
var leakMode atomic.Uint32

// SetLeakMode configures the reference leak checker. It must be set before
// any checked object is created.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string
}

// liveObjects holds every registered CheckedObject. A sync.Map is used
// because objects are registered and unregistered with spinlocks held.
var liveObjects sync.Map

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	if _, loaded := liveObjects.LoadOrStore(obj, struct{}{}); loaded {
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
}

// Unregister removes obj from the live object map.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	if _, loaded := liveObjects.LoadAndDelete(obj); !loaded {
		panic(fmt.Sprintf("Expected to find entry in leak checking map for reference %p", obj))
	}
}

// LiveObjects returns the number of registered objects of the given type, or
// of all types if refType is empty.
func LiveObjects(refType string) int {
	n := 0
	liveObjects.Range(func(k, _ any) bool {
		if refType == "" || k.(CheckedObject).RefType() == refType {
			n++
		}
		return true
	})
	return n
}

// DoLeakCheck reports every live object as a leak. It should be called when
// no reference-counted objects are reachable anymore. It returns the number
// of leaked objects.
func DoLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	var msgs []string
	liveObjects.Range(func(k, _ any) bool {
		msgs = append(msgs, k.(CheckedObject).LeakMessage())
		return true
	})
	if len(msgs) == 0 {
		return 0
	}
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:\n%s", len(msgs), strings.Join(msgs, "\n"))
	if GetLeakMode() == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
	return len(msgs)
}
