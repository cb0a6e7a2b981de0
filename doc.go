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

// Package xcbarrier implements a read/write memory barrier for a mutator
// program by installing a kernel-level Mach exception handler. It catches
// faults raised against deliberately page-protected memory, hands them to
// a caller-supplied resolver upcall, and transparently forwards exceptions
// it does not service to whatever handler was previously installed (a
// debugger, or the BSD signal layer).
//
// The primary elements of interest are:
//
//  *  ResolveFunc, the single upcall a collector supplies to decide
//     whether a faulting access has been made legal.
//
//  *  Setup, which installs the handler for the process; idempotent.
//
//  *  RegisterThread, which must be called once per mutator thread before
//     it may safely touch protected memory.
//
// The package owns none of the collector's pool, trace, scan, fix or
// reclaim machinery -- it consumes exactly one upcall and otherwise has no
// knowledge of what the caller's memory means. On platforms other than
// Darwin, Setup returns ErrUnsupportedPlatform; Windows callers use the
// seh subpackage instead, which has no receive port or handler goroutine
// of its own.
package xcbarrier
