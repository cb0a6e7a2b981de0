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

// Package xcwire defines the wire layouts of Mach exception request and
// reply messages and the codec that marshals and unmarshals them.
//
// The kernel's own headers and the code generated by the Mach Interface
// Generator are deliberately not used here. Structures that ask for the
// MACH_EXCEPTION_CODES behavior get a 64-bit-wide code layout that isn't
// what the vendor headers describe, and mig-generated code calls handler
// functions by name in a way that breaks under hidden-symbol link modes.
// So the six layouts are hand-rolled, packed to 4 bytes, matching what the
// kernel actually puts on the wire: this file defines the shared pieces
// (header, port descriptor, NDR) and the canonical Request, and codec.go
// writes and reads each layout field by field.
package xcwire

import (
	"unsafe"
)

// CodeWidth is the bit width of the two code slots carried by a request.
type CodeWidth int

const (
	Width32 CodeWidth = 32
	Width64 CodeWidth = 64
)

// Behavior is the shape family of exception messages a handler subscribes
// to: whether it carries identity ports and/or thread state.
type Behavior int

const (
	BehaviorDefault Behavior = iota
	BehaviorState
	BehaviorStateIdentity
)

// Message IDs. Determined by experimentation against the kernel: these are
// not published in any header. Replies are request ID + 100.
const (
	MsgIDRequest32             = 2401
	MsgIDRequestStateIdentity32 = 2403
	MsgIDRequestState32        = 2402
	MsgIDRequest64             = 2405
	MsgIDRequestState64        = 2406
	MsgIDRequestStateIdentity64 = 2407

	ReplyOffset = 100
)

// MaxStateWords is the capacity of the old_state/new_state array, matching
// protxc.c's natural_t old_state[224].
const MaxStateWords = 224

// WordSize is sizeof(natural_t): a 32-bit word regardless of process width.
const WordSize = 4

// MsgHeader is the common Mach message header (mach_msg_header_t), packed
// to 4 bytes: every wire layout below begins with one of these.
type MsgHeader struct {
	Bits       uint32
	Size       uint32
	RemotePort uint32
	LocalPort  uint32
	VoucherPort uint32
	ID         int32
}

const MsgHeaderSize = int(unsafe.Sizeof(MsgHeader{}))

// MsgBody carries the descriptor count for messages with out-of-line port
// descriptors (mach_msg_body_t).
type MsgBody struct {
	DescriptorCount uint32
}

// PortDescriptor is a mach_msg_port_descriptor_t: a port name plus the
// disposition/type tag the kernel needs to know how to translate it.
type PortDescriptor struct {
	Name        uint32
	Pad1        uint32
	Pad2        uint16
	Disposition uint8
	Type        uint8
}

// NDR is the network data representation record (NDR_record_t): byte order
// and integer-size tags that precede the payload of every Mach RPC message.
type NDR struct {
	Mig_vers     uint8
	If_vers      uint8
	Reserved1    uint8
	Mig_encoding uint8
	Int_rep      uint8
	Char_rep     uint8
	Float_rep    uint8
	Reserved2    uint8
}

// DefaultNDR is the all-zero NDR record. The replies and forwarded
// messages this module builds carry the NDR of the request they answer or
// forward, not this one; DefaultNDR serves where no request is at hand,
// as in the codec tests.
var DefaultNDR = NDR{}

// Request is the canonical, in-memory (not wire-packed) representation of
// a received or to-be-forwarded exception request, independent of which of
// the six wire layouts it came from or will go to. HandlerLoop, the
// Resolver bridge, ReplyBuilder and Forwarder all operate on this type;
// only Decode/Encode touch the packed wire layouts.
type Request struct {
	Header    MsgHeader
	HasBody   bool
	Thread    PortDescriptor
	Task      PortDescriptor
	NDR       NDR
	Exception int32
	CodeCnt   uint32
	Code      [2]int64

	HasState      bool
	Flavor        int32
	OldStateCount uint32
	OldState      [MaxStateWords]uint32
}

// ExceptionBadAccess is the only exception_type_t this module services
// (EXC_BAD_ACCESS).
const ExceptionBadAccess = 1

// ProtectionFailure is the code[0] sub-kind meaning "a protected page was
// touched" (KERN_PROTECTION_FAILURE).
const ProtectionFailure = 2

// KernSuccess / KernFailure are the two return codes a reply ever carries.
const (
	KernSuccess = 0
	KernFailure = 5
)

func init() {
	// Struct packing matters: the code field at 64-bit width is not
	// naturally aligned, and a naive layout shifts subsequent fields,
	// breaking kernel compatibility. Guard against an accidental change
	// in field order or added padding.
	if unsafe.Sizeof(MsgHeader{}) != 24 {
		panic("xcwire: MsgHeader size drifted from the packed Mach header")
	}
	if unsafe.Sizeof(PortDescriptor{}) != 12 {
		panic("xcwire: PortDescriptor size drifted from mach_msg_port_descriptor_t")
	}
	if unsafe.Sizeof(NDR{}) != 8 {
		panic("xcwire: NDR size drifted from NDR_record_t")
	}
}
