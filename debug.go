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
	"io/ioutil"
	"log"
)

// gDebugLogger and gErrorLogger are package-wide sinks, set by Setup from
// Config.DebugLogger/Config.ErrorLogger. Discarding output is the
// default, matching jacobsa/fuse/debug.go's ioutil.Discard default when
// -fuse.debug isn't passed; there is no flag here since this is a library,
// not a binary (see SPEC_FULL.md section 7).
var gDebugLogger = log.New(ioutil.Discard, "xcbarrier: ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
var gErrorLogger = log.New(ioutil.Discard, "xcbarrier: ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)

// installLoggers is called from every Setup call, before onceGuard, to wire
// Config's logger fields into the package-wide sinks used by loop.go and
// errors.go's fatal. A non-nil logger in a later call's Config replaces
// the sink installed by an earlier call.
func installLoggers(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.DebugLogger != nil {
		gDebugLogger = cfg.DebugLogger
	}
	if cfg.ErrorLogger != nil {
		gErrorLogger = cfg.ErrorLogger
	}
}
