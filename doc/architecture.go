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

package doc

import "github.com/kurafs/fusekit/pkg/cli"

var ArchitectureCmd = &cli.Command{
	UsageLine: "architecture",
	Short:     "overview of how requests flow from the kernel to a file system",
	Long: `
A mounted file system is served by one event loop (pkg/fuse/fs.Server). The
loop waits on two descriptors: the FUSE channel the kernel writes requests
to, and a notification pipe written by the signal relay. Each wakeup serves
exactly one kernel request or handles one trapped signal, so file system
code never runs concurrently with itself.

A request is decoded by pkg/fuse, dispatched by operation to the file
system's method (Getattr, Read, Readdir, ...), and answered with the result
or with an errno. File systems are path based: the server keeps a table of
kernel node ids to paths and resolves every request to an absolute path.
Open files and directories are kept in a handle registry; the FileInfo a
file system stores a handle in comes back on every later call.

Errors returned by a file system become errno values: fuse.Errno values,
syscall.Errno values and the os package sentinels keep their number,
anything else is logged and answered with ENOENT. Panics are recovered and
answered with EIO.

Two file systems ship with the server:

    memfs   an in-memory tree, lost on unmount
    kvfs    inodes, entries and blocks in a key/value store (memory, bolt,
            badger or s3), blocks optionally sealed with a passphrase

Operation counts and latencies, handled signals and store accesses are
exported as prometheus metrics when -metrics-addr is set.
`,
}
