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

// Package fs serves path based file systems over a FUSE connection.
//
// A file system is any value implementing some of the operation
// interfaces of this package (Getattrer, Reader, Readdirer, ...). The
// operations it lacks are answered with ENOSYS, except for open,
// opendir, flush, release and the fsyncs, which succeed, and statfs,
// which reports an empty file system.
//
// A Server runs one request at a time on the goroutine calling Loop or
// Run:
//
//	s, err := fs.Mount("/mnt/hello", hello, &fs.Config{Logger: logger})
//	if err != nil {
//		...
//	}
//	defer s.Close()
//	err = s.Run() // traps signals and serves until unmounted
//
// Operation errors are reported to the kernel as errno values. Errors
// implementing fuse.ErrorNumber, syscall.Errno values and the os package
// sentinels map to their own number; anything else is logged and
// reported as DefaultErrno. Use Failed to attach a number to an error.
//
// Signals trapped by Run or TrapSignals are handled between requests on
// the loop goroutine: TERM and INT stop the loop, USR1 toggles tracing,
// and a file system implementing Signaler may handle these and others.
package fs
