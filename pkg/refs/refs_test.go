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
	"testing"

	"vmcore.dev/vmcore/pkg/errors"
)

type testObject struct {
	AtomicRefCount
	destroyed int
}

func (o *testObject) RefType() string     { return "testObject" }
func (o *testObject) LeakMessage() string { return "leaked testObject" }

func TestRefCount(t *testing.T) {
	o := &testObject{}
	o.InitRefs()
	o.IncRef()
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs got %d want 2", got)
	}
	destroy := func() { o.destroyed++ }
	o.DecRef(destroy)
	if o.destroyed != 0 {
		t.Errorf("destroyed with a reference outstanding")
	}
	if !o.TryIncRef() {
		t.Errorf("TryIncRef on live object failed")
	}
	o.DecRef(destroy)
	o.DecRef(destroy)
	if o.destroyed != 1 {
		t.Errorf("destroyed %d times want 1", o.destroyed)
	}
	if o.TryIncRef() {
		t.Errorf("TryIncRef on destroyed object succeeded")
	}
	if got := o.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs after destruction got %d want 0", got)
	}

	defer func() {
		if _, ok := recover().(*errors.InvariantViolation); !ok {
			t.Errorf("DecRef below zero did not raise an invariant violation")
		}
	}()
	o.DecRef(destroy)
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	o := &testObject{}
	Register(o)
	if got := LiveObjects("testObject"); got != 1 {
		t.Errorf("LiveObjects got %d want 1", got)
	}
	if got := DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck got %d want 1", got)
	}
	Unregister(o)
	if got := DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck after Unregister got %d want 0", got)
	}
}

func TestLeakModeSet(t *testing.T) {
	for _, want := range []LeakMode{NoLeakChecking, LeaksLogWarning, LeaksPanic} {
		var got LeakMode
		if err := got.Set(want.String()); err != nil || got != want {
			t.Errorf("Set(%q) got (%v, %v) want (%v, nil)", want.String(), got, err, want)
		}
	}
	var m LeakMode
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
