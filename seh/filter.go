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

// Package seh is the Windows sibling of xcbarrier: a structured-exception
// filter entry point that delegates to the same resolver upcall shape,
// for a platform where exceptions are delivered synchronously to the
// faulting thread rather than to a separate handler thread. It shares
// nothing with xcbarrier but the resolver upcall's signature -- there is
// no receive port, no handler goroutine, and no forwarding record, since
// SEH's own chain of handlers already does the forwarding.
package seh

import "github.com/mpsxc/xcbarrier"

// Windows structured-exception-handling constants this package needs.
// Hand-rolled rather than pulled from a generated header, the same
// rationale mpsiw3.c and protxc.c give for avoiding vendor headers: this
// package needs exactly five integer constants and two struct shapes, not
// a full copy of winnt.h.
const (
	exceptionAccessViolation = 0xC0000005

	exceptionContinueExecution = -1
	exceptionContinueSearch    = 0

	accessViolationRead  = 0
	accessViolationWrite = 1
)

// ExceptionRecord is the fixed-size prefix of EXCEPTION_RECORD this
// package reads: the fields needed to classify an access violation and
// recover its faulting address. NumberParameters and Information mirror
// the real struct exactly; Next (the chained ExceptionRecord pointer) is
// left as a raw pointer-sized field since this package never walks the
// chain.
type ExceptionRecord struct {
	Code          uint32
	Flags         uint32
	Next          uintptr
	Address       uintptr
	NumParameters uint32
	_             uint32 // alignment padding, matches the real struct on 64-bit
	Information   [15]uintptr
}

// ExceptionPointers mirrors EXCEPTION_POINTERS: pointers to the exception
// record and the thread's CONTEXT at the moment of the fault.
type ExceptionPointers struct {
	Record  *ExceptionRecord
	Context uintptr // opaque *CONTEXT; see contextThreadState in filter_windows.go
}

// protFilter is ProtSEHfilter from protw3.c (not in the retrieved source,
// but named by mpsiw3.c's extern declaration): the actual classification
// and dispatch logic, factored out from the raw callback trampoline
// (sehCallback in filter_windows.go) so it is testable without installing a
// real vectored exception handler.
//
// contextState is the raw register-file bytes machshim-equivalent code on
// Windows would extract from info.Context; filter_windows.go is
// responsible for producing it before calling protFilter.
func protFilter(resolve xcbarrier.ResolveFunc, info *ExceptionPointers, contextState []byte) int32 {
	rec := info.Record
	if rec == nil || rec.Code != exceptionAccessViolation {
		return exceptionContinueSearch
	}
	if rec.NumParameters < 2 {
		return exceptionContinueSearch
	}

	mode := xcbarrier.AccessRead
	if rec.Information[0] == accessViolationWrite {
		mode = xcbarrier.AccessWrite
	}

	addr := uintptr(rec.Information[1])

	ctx := xcbarrier.MutatorFaultContext{
		Address:     addr,
		ThreadState: contextState,
	}

	if resolve(addr, mode, &ctx) {
		return exceptionContinueExecution
	}
	return exceptionContinueSearch
}
