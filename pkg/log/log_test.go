// Copyright 2018 Google LLC
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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: GoogleEmitter{&Writer{Next: tw}}}
	l.Warningf("fault at %#x", 0x1000)
	l.Debugf("debug %d", 7)

	if len(tw.lines) != 2 {
		t.Fatalf("got %d lines want 2: %v", len(tw.lines), tw.lines)
	}
	if !strings.HasPrefix(tw.lines[0], "W") || !strings.HasSuffix(tw.lines[0], "] fault at 0x1000\n") {
		t.Errorf("unexpected warning line %q", tw.lines[0])
	}
	if !strings.Contains(tw.lines[0], "log_test.go:") {
		t.Errorf("warning line %q does not name the caller", tw.lines[0])
	}
	if !strings.HasPrefix(tw.lines[1], "D") {
		t.Errorf("unexpected debug line %q", tw.lines[1])
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Warning, Emitter: &Writer{Next: tw}}
	l.Infof("hidden")
	l.Debugf("hidden")
	l.Warningf("shown")
	if diff := cmp.Diff([]string{"shown"}, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}

	l.SetLevel(Info)
	if !l.IsLogging(Info) || l.IsLogging(Debug) {
		t.Errorf("IsLogging disagrees with level %v", l.Level)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Infof("fault %d", i)
	}
	if diff := cmp.Diff([]string{"fault 0"}, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
	if got := suppressedSuffix(4); got != " (4 similar messages suppressed)" {
		t.Errorf("suppressedSuffix got %q", got)
	}
}

type recordingT struct {
	logs []string
}

func (r *recordingT) Logf(format string, v ...any) {
	r.logs = append(r.logs, fmt.Sprintf(format, v...))
}

func TestMultiEmitter(t *testing.T) {
	tw := &testWriter{}
	rt := &recordingT{}
	l := &BasicLogger{Level: Info, Emitter: &MultiEmitter{&Writer{Next: tw}, &TestEmitter{rt}}}
	l.Infof("frame %d", 3)
	if diff := cmp.Diff([]string{"frame 3"}, tw.lines); diff != "" {
		t.Errorf("writer lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"frame 3"}, rt.logs); diff != "" {
		t.Errorf("test logger lines mismatch (-want +got):\n%s", diff)
	}
}
