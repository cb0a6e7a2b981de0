// Copyright 2015 Google Inc. All Rights Reserved.
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

package xcbarrier

import (
	"context"
	"encoding/binary"

	"github.com/jacobsa/reqtrace"

	"github.com/mpsxc/xcbarrier/internal/xcwire"
)

// callResolver builds a MutatorFaultContext from the faulting address and
// the request's register snapshot, invokes resolve, and returns whether
// the access was handled together with the (possibly resolver-mutated)
// state words ready for ReplyBuilder.
//
// Runs on the handler goroutine while the faulting thread is suspended by
// the kernel; resolve must not touch the faulting thread's user stack or
// any lock that thread could hold (see barrier.go's ResolveFunc doc).
func callResolver(resolve ResolveFunc, req xcwire.Request, addr uintptr, mode AccessMode) (handled bool, newState [xcwire.MaxStateWords]uint32) {
	stateBytes := wordsToBytes(req.OldState[:req.OldStateCount])

	ctx := MutatorFaultContext{
		Address:     addr,
		ThreadState: stateBytes,
	}

	var report reqtrace.ReportFunc
	if reqtrace.Enabled() {
		_, report = reqtrace.Trace(context.Background(), "xcbarrier.resolve_access")
	}

	handled = resolve(addr, mode, &ctx)

	if report != nil {
		report(nil)
	}

	copy(newState[:req.OldStateCount], bytesToWords(ctx.ThreadState))
	return handled, newState
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*xcwire.WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*xcwire.WordSize:], w)
	}
	return out
}

func bytesToWords(b []byte) []uint32 {
	n := len(b) / xcwire.WordSize
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(b[i*xcwire.WordSize:])
	}
	return out
}
