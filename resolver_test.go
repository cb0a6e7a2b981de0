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
	"testing"

	"github.com/mpsxc/xcbarrier/internal/xcwire"
)

func TestCallResolver_ThreadsMutatedStateIntoReply(t *testing.T) {
	req := xcwire.Request{OldStateCount: 2}
	req.OldState[0], req.OldState[1] = 1, 2

	resolve := func(addr uintptr, mode AccessMode, ctx *MutatorFaultContext) bool {
		words := bytesToWords(ctx.ThreadState)
		words[0] = 0xDEAD
		ctx.ThreadState = wordsToBytes(words)
		return true
	}

	handled, newState := callResolver(resolve, req, 0x1000, AccessRead)
	if !handled {
		t.Fatal("expected handled = true")
	}
	if newState[0] != 0xDEAD {
		t.Errorf("new_state[0] = %#x, want 0xDEAD (resolver mutation)", newState[0])
	}
	if newState[1] != 2 {
		t.Errorf("new_state[1] = %d, want 2 (unchanged)", newState[1])
	}
}

func TestWordsBytesRoundTrip(t *testing.T) {
	words := []uint32{1, 2, 3, 0xFFFFFFFF}
	got := bytesToWords(wordsToBytes(words))

	if len(got) != len(words) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(words))
	}
	for i := range words {
		if got[i] != words[i] {
			t.Errorf("word %d: got %#x, want %#x", i, got[i], words[i])
		}
	}
}
