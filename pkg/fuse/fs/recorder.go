// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"time"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// A Recorder observes the work done by a server. Calls are made from the
// loop goroutine.
type Recorder interface {
	// Operation records one dispatched operation and the errno it was
	// answered with, zero on success.
	Operation(op string, d time.Duration, errno fuse.Errno)

	// Signal records one signal handled by the loop.
	Signal(name string)
}

type nopRecorder struct{}

func (nopRecorder) Operation(string, time.Duration, fuse.Errno) {}
func (nopRecorder) Signal(string)                               {}
