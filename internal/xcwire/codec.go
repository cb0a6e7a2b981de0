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

package xcwire

import (
	"encoding/binary"
	"fmt"
)

var order = binary.LittleEndian

// byteBuilder accumulates a packed wire message a field at a time, in
// declaration order, the way the REQUEST_RAISE_*_STRUCT macros in protxc.c
// lay out their struct bodies.
type byteBuilder struct {
	buf []byte
}

func (b *byteBuilder) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *byteBuilder) u16(v uint16) { b.buf = order.AppendUint16(b.buf, v) }
func (b *byteBuilder) u32(v uint32) { b.buf = order.AppendUint32(b.buf, v) }
func (b *byteBuilder) i32(v int32)  { b.u32(uint32(v)) }
func (b *byteBuilder) u64(v uint64) { b.buf = order.AppendUint64(b.buf, v) }
func (b *byteBuilder) i64(v int64)  { b.u64(uint64(v)) }

func (b *byteBuilder) header(h MsgHeader) {
	b.u32(h.Bits)
	b.u32(h.Size)
	b.u32(h.RemotePort)
	b.u32(h.LocalPort)
	b.u32(h.VoucherPort)
	b.i32(h.ID)
}

func (b *byteBuilder) body(n uint32) { b.u32(n) }

func (b *byteBuilder) portDescriptor(p PortDescriptor) {
	b.u32(p.Name)
	b.u32(p.Pad1)
	b.u16(p.Pad2)
	b.u8(p.Disposition)
	b.u8(p.Type)
}

func (b *byteBuilder) ndr(n NDR) {
	b.u8(n.Mig_vers)
	b.u8(n.If_vers)
	b.u8(n.Reserved1)
	b.u8(n.Mig_encoding)
	b.u8(n.Int_rep)
	b.u8(n.Char_rep)
	b.u8(n.Float_rep)
	b.u8(n.Reserved2)
}

// byteReader is the mirror-image reader used by the Decode* functions.
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("xcwire: short message: need %d more bytes at offset %d, have %d total", n, r.off, len(r.buf))
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := order.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := order.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := order.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *byteReader) header() (MsgHeader, error) {
	var h MsgHeader
	var err error
	if h.Bits, err = r.u32(); err != nil {
		return h, err
	}
	if h.Size, err = r.u32(); err != nil {
		return h, err
	}
	if h.RemotePort, err = r.u32(); err != nil {
		return h, err
	}
	if h.LocalPort, err = r.u32(); err != nil {
		return h, err
	}
	if h.VoucherPort, err = r.u32(); err != nil {
		return h, err
	}
	if h.ID, err = r.i32(); err != nil {
		return h, err
	}
	return h, nil
}

func (r *byteReader) body() (uint32, error) { return r.u32() }

func (r *byteReader) portDescriptor() (PortDescriptor, error) {
	var p PortDescriptor
	var err error
	if p.Name, err = r.u32(); err != nil {
		return p, err
	}
	if p.Pad1, err = r.u32(); err != nil {
		return p, err
	}
	if p.Pad2, err = r.u16(); err != nil {
		return p, err
	}
	b, err := r.u8()
	if err != nil {
		return p, err
	}
	p.Disposition = b
	if b, err = r.u8(); err != nil {
		return p, err
	}
	p.Type = b
	return p, nil
}

func (r *byteReader) ndr() (NDR, error) {
	var n NDR
	fields := []*uint8{&n.Mig_vers, &n.If_vers, &n.Reserved1, &n.Mig_encoding, &n.Int_rep, &n.Char_rep, &n.Float_rep, &n.Reserved2}
	for _, f := range fields {
		v, err := r.u8()
		if err != nil {
			return n, err
		}
		*f = v
	}
	return n, nil
}

// headerPrefixSize returns the fixed (non-state) prefix size for the given
// behavior/width combination, i.e. everything up to (but not including) the
// flavor/old_stateCnt/old_state trailer for state-carrying layouts.
func headerPrefixSize(behavior Behavior, width CodeWidth) int {
	size := MsgHeaderSize
	if behavior != BehaviorState {
		// DEFAULT and STATE_IDENTITY carry the msgh_body + two port
		// descriptors; plain STATE does not (request_s32_s/request_s64_s
		// have no identity section in protxc.c).
		size += 4 + 12 + 12 // MsgBody + two PortDescriptor
	}
	size += 8 // NDR
	size += 4 // exception
	size += 4 // codeCnt
	size += int(width) / 8 * 2 // code[2]
	return size
}

// stateTrailerSize returns the size of the flavor/old_stateCnt/old_state
// trailer present on STATE and STATE_IDENTITY layouts.
func stateTrailerSize(stateCount uint32) int {
	return 4 + 4 + int(stateCount)*WordSize
}

// msgIDFor returns the request message ID for a given behavior/width.
func msgIDFor(behavior Behavior, width CodeWidth) int32 {
	switch {
	case behavior == BehaviorDefault && width == Width32:
		return MsgIDRequest32
	case behavior == BehaviorDefault && width == Width64:
		return MsgIDRequest64
	case behavior == BehaviorState && width == Width32:
		return MsgIDRequestState32
	case behavior == BehaviorState && width == Width64:
		return MsgIDRequestState64
	case behavior == BehaviorStateIdentity && width == Width32:
		return MsgIDRequestStateIdentity32
	case behavior == BehaviorStateIdentity && width == Width64:
		return MsgIDRequestStateIdentity64
	}
	panic("xcwire: unreachable behavior/width combination")
}

// BehaviorWidthFor classifies a received msgh_id into the behavior/width it
// names, returning ok=false for anything else (including reply IDs).
func BehaviorWidthFor(msgID int32) (behavior Behavior, width CodeWidth, ok bool) {
	switch msgID {
	case MsgIDRequest32:
		return BehaviorDefault, Width32, true
	case MsgIDRequest64:
		return BehaviorDefault, Width64, true
	case MsgIDRequestState32:
		return BehaviorState, Width32, true
	case MsgIDRequestState64:
		return BehaviorState, Width64, true
	case MsgIDRequestStateIdentity32:
		return BehaviorStateIdentity, Width32, true
	case MsgIDRequestStateIdentity64:
		return BehaviorStateIdentity, Width64, true
	}
	return 0, 0, false
}

// DecodeStateIdentity64 unmarshals the canonical wire layout this module
// registers to receive: REQUEST_STATE_IDENTITY_64. It is the only layout
// HandlerLoop ever needs to decode, per spec: the core registers with
// STATE_IDENTITY | MACH_EXCEPTION_CODES and receives nothing else.
func DecodeStateIdentity64(buf []byte) (Request, error) {
	var req Request
	r := &byteReader{buf: buf}

	h, err := r.header()
	if err != nil {
		return req, err
	}
	req.Header = h

	if _, err = r.body(); err != nil {
		return req, fmt.Errorf("xcwire: body: %w", err)
	}
	req.HasBody = true

	if req.Thread, err = r.portDescriptor(); err != nil {
		return req, fmt.Errorf("xcwire: thread descriptor: %w", err)
	}
	if req.Task, err = r.portDescriptor(); err != nil {
		return req, fmt.Errorf("xcwire: task descriptor: %w", err)
	}
	if req.NDR, err = r.ndr(); err != nil {
		return req, fmt.Errorf("xcwire: ndr: %w", err)
	}
	if req.Exception, err = r.i32(); err != nil {
		return req, fmt.Errorf("xcwire: exception: %w", err)
	}
	if cc, err2 := r.u32(); err2 != nil {
		return req, fmt.Errorf("xcwire: codeCnt: %w", err2)
	} else {
		req.CodeCnt = cc
	}
	for i := 0; i < 2; i++ {
		v, err2 := r.i64()
		if err2 != nil {
			return req, fmt.Errorf("xcwire: code[%d]: %w", i, err2)
		}
		req.Code[i] = v
	}

	req.HasState = true
	if req.Flavor, err = r.i32(); err != nil {
		return req, fmt.Errorf("xcwire: flavor: %w", err)
	}
	if req.OldStateCount, err = r.u32(); err != nil {
		return req, fmt.Errorf("xcwire: old_stateCnt: %w", err)
	}
	if req.OldStateCount > MaxStateWords {
		return req, fmt.Errorf("xcwire: old_stateCnt %d exceeds capacity %d", req.OldStateCount, MaxStateWords)
	}
	for i := uint32(0); i < req.OldStateCount; i++ {
		v, err2 := r.u32()
		if err2 != nil {
			return req, fmt.Errorf("xcwire: old_state[%d]: %w", i, err2)
		}
		req.OldState[i] = v
	}

	return req, nil
}

// EncodeStateIdentity64 re-marshals req into REQUEST_STATE_IDENTITY_64,
// recomputing Header.Size per the state-carrying msg_size rule: the offset
// of the state array plus its declared byte length, never sizeof(struct).
func EncodeStateIdentity64(req Request) []byte {
	b := &byteBuilder{}

	prefix := headerPrefixSize(BehaviorStateIdentity, Width64)
	size := prefix + stateTrailerSize(req.OldStateCount)

	h := req.Header
	h.Size = uint32(size)
	b.header(h)
	b.body(1)
	b.portDescriptor(req.Thread)
	b.portDescriptor(req.Task)
	b.ndr(req.NDR)
	b.i32(req.Exception)
	b.u32(req.CodeCnt)
	b.i64(req.Code[0])
	b.i64(req.Code[1])
	b.i32(req.Flavor)
	b.u32(req.OldStateCount)
	for i := uint32(0); i < req.OldStateCount; i++ {
		b.u32(req.OldState[i])
	}

	return b.buf
}

// EncodeForBehavior re-encodes req for the given target behavior/width,
// applying the same truncation-by-cast rule protxc.c's COPY_COMMON macro
// uses for 64->32 code conversion. destPort becomes the encoded header's
// local_port (the forwarding destination); state is the thread state to
// attach for STATE/STATE_IDENTITY targets (already re-acquired in the
// target's flavor by the caller, per spec section 4.6) and is ignored for
// BehaviorDefault.
func EncodeForBehavior(req Request, behavior Behavior, width CodeWidth, destPort uint32, flavor int32, state []uint32) []byte {
	b := &byteBuilder{}

	msgID := msgIDFor(behavior, width)
	prefix := headerPrefixSize(behavior, width)

	var stateCount uint32
	if behavior != BehaviorDefault {
		if len(state) > MaxStateWords {
			state = state[:MaxStateWords]
		}
		stateCount = uint32(len(state))
	}

	size := prefix
	if behavior != BehaviorDefault {
		size += stateTrailerSize(stateCount)
	}

	h := req.Header
	h.ID = msgID
	h.Size = uint32(size)
	// SPEC_FULL.md's forwarding contract: the forwarded message's
	// local_port names the previous handler (the actual send
	// destination), while remote_port -- the reply port -- is preserved
	// unchanged so that handler's reply goes directly back to the kernel.
	h.LocalPort = destPort
	b.header(h)

	if behavior != BehaviorState {
		b.body(1)
		b.portDescriptor(req.Thread)
		b.portDescriptor(req.Task)
	}

	b.ndr(req.NDR)
	b.i32(req.Exception)
	b.u32(req.CodeCnt)

	if width == Width64 {
		b.i64(req.Code[0])
		b.i64(req.Code[1])
	} else {
		// Width conversion truncates 64->32 by value cast: this matches
		// kernel behavior and is acceptable because forwarding to a
		// 32-bit handler is a best-effort bridge to legacy consumers.
		b.i32(int32(req.Code[0]))
		b.i32(int32(req.Code[1]))
	}

	if behavior != BehaviorDefault {
		b.i32(flavor)
		b.u32(stateCount)
		for i := uint32(0); i < stateCount; i++ {
			b.u32(state[i])
		}
	}

	return b.buf
}

// Reply is the in-memory representation of a fault reply: header plus
// return code plus the (possibly mutated) thread state to install on
// resume.
type Reply struct {
	Header        MsgHeader
	RetCode       int32
	Flavor        int32
	NewStateCount uint32
	NewState      [MaxStateWords]uint32
}

// EncodeReply marshals a Reply using the state-identity reply layout
// (__Reply__exception_raise_state_identity_t): header, NDR, ret_code,
// flavor, new_stateCnt, new_state. msg_size is offset_of(new_state) +
// new_stateCnt*word_size -- using sizeof(reply) instead would cause the
// kernel to silently discard the state.
func EncodeReply(rep Reply, ndr NDR) []byte {
	b := &byteBuilder{}

	const prefix = MsgHeaderSize + 8 /*NDR*/ + 4 /*RetCode*/ + 4 /*Flavor*/ + 4 /*NewStateCount*/
	size := prefix + int(rep.NewStateCount)*WordSize

	h := rep.Header
	h.Size = uint32(size)
	b.header(h)
	b.ndr(ndr)
	b.i32(rep.RetCode)
	b.i32(rep.Flavor)
	b.u32(rep.NewStateCount)
	for i := uint32(0); i < rep.NewStateCount; i++ {
		b.u32(rep.NewState[i])
	}

	return b.buf
}

// ReplyOffsetOfState is offset_of(new_state) within the encoded reply,
// exposed so tests can check the msg_size invariant directly (spec
// section 8: "msg_size == offset_of(new_state) + new_state_count *
// sizeof(word)").
const ReplyOffsetOfState = MsgHeaderSize + 8 + 4 + 4 + 4
