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

//go:build !windows

package seh

import (
	"errors"

	"github.com/mpsxc/xcbarrier"
)

// ErrUnsupportedPlatform is returned by Install on any non-Windows GOOS.
var ErrUnsupportedPlatform = errors.New("seh: not supported on this platform")

func Install(resolve xcbarrier.ResolveFunc) error {
	return ErrUnsupportedPlatform
}
