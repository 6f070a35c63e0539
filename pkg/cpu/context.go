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

package cpu

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCPU is a Context.Value key for the executing CPU.
	CtxCPU contextID = iota
)

// WithCPU returns a copy of ctx that records c as the executing CPU.
func WithCPU(ctx context.Context, c *CPU) context.Context {
	return context.WithValue(ctx, CtxCPU, c)
}

// FromContext returns the CPU executing ctx, or nil if there is none.
func FromContext(ctx context.Context) *CPU {
	if v := ctx.Value(CtxCPU); v != nil {
		return v.(*CPU)
	}
	return nil
}
