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

import "github.com/mpsxc/xcbarrier/internal/xcwire"

// buildReply constructs a state-identity reply for req bit-for-bit per
// protxc.c's build_reply: msgh_bits keeps req's remote disposition and
// clears the local one (the kernel is the recipient on req's reply port,
// and the reply carries no reply port of its own), msg_id is
// req's id plus the reply offset, and the (possibly resolver-mutated)
// state is threaded through unchanged in shape -- same flavor, same count
// as what was received, never a re-derived count.
func buildReply(req xcwire.Request, retCode int32, newState [xcwire.MaxStateWords]uint32) xcwire.Reply {
	return xcwire.Reply{
		Header: xcwire.MsgHeader{
			Bits:        remoteBits(req.Header.Bits),
			RemotePort:  req.Header.RemotePort,
			LocalPort:   0,
			VoucherPort: 0,
			ID:          req.Header.ID + xcwire.ReplyOffset,
		},
		RetCode:       retCode,
		Flavor:        req.Flavor,
		NewStateCount: req.OldStateCount,
		NewState:      newState,
	}
}

// remoteBits computes MSGH_BITS(remote=REMOTE(bits), local=0): the reply
// message is sent to req's remote (reply) port with no reply port of its
// own, so only the remote-bits field of the original header survives.
func remoteBits(reqBits uint32) uint32 {
	const remoteMask = 0x1f // MACH_MSGH_BITS_REMOTE_MASK
	return reqBits & remoteMask
}
