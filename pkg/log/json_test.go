// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	lvs := []Level{Warning, Info, Debug}
	for _, lv := range lvs {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Unix(0, 0).UTC(), "frame %d leaked", 3)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines want 1", len(tw.lines))
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("error unmarshaling %q: %v", tw.lines[0], err)
	}
	if got.Level != Warning || got.Msg != "frame 3 leaked" {
		t.Errorf("unexpected record %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller: got %q want json_test.go:<line>", got.Caller)
	}
	if got.PID != os.Getpid() {
		t.Errorf("pid: got %d want %d", got.PID, os.Getpid())
	}
	if !got.Time.Equal(time.Unix(0, 0)) {
		t.Errorf("time: got %v want %v", got.Time, time.Unix(0, 0))
	}
}

func TestUnmarshalUnknownLevel(t *testing.T) {
	for _, in := range []string{`"fatal"`, `3`, `-1`, `{}`} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(in)); err == nil {
			t.Errorf("UnmarshalJSON(%s): got level %v want error", in, lv)
		}
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON of level 7 succeeded")
	}
}

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	tcs := []struct {
		i    int
		want Level
	}{
		{0, Warning},
		{1, Info},
		{2, Debug},
	}

	for _, tc := range tcs {
		j, err := json.Marshal(tc.i)
		if err != nil {
			t.Errorf("error marshaling %v: %v", tc.i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != tc.want {
			t.Errorf("marshal/unmarshal %v got %v want %v", tc.i, lv, tc.want)
		}
	}
}
