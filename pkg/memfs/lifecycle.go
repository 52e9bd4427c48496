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

package memfs

import (
	"context"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse/fs"
)

func (f *FS) Init(ctx context.Context, info fs.ConnInfo) error {
	f.logger.Infof("memfs started, kernel protocol %v, max write %d", info.Kernel, info.MaxWrite)
	return nil
}

func (f *FS) Destroy(ctx context.Context) error {
	f.logger.Infof("memfs stopped with %d nodes", f.Nodes())
	return nil
}

// Ioctl logs the command and returns no data.
func (f *FS) Ioctl(ctx context.Context, path string, cmd uint32, arg uint64, in []byte, fi *fs.FileInfo) ([]byte, error) {
	f.logger.Infof("ioctl %s: command %#x, %d bytes in", path, cmd, len(in))
	return nil, nil
}

// Poll reports every file as ready, telling the kernel so at once when it
// asks to be notified.
func (f *FS) Poll(ctx context.Context, path string, ph *fs.PollHandle, events uint32, fi *fs.FileInfo) (uint32, error) {
	f.logger.Infof("poll %s: events %#x", path, events)
	if ph != nil {
		if err := ph.Notify(); err != nil {
			f.logger.Warnf("poll %s: notify: %v", path, err)
		}
	}
	return events & (unix.POLLIN | unix.POLLOUT), nil
}

// Signals logs a summary of the tree on HUP.
func (f *FS) Signals() map[string]func() error {
	return map[string]func() error{
		"HUP": func() error {
			f.logger.Infof("memfs holds %d nodes, %d bytes", f.Nodes(), f.Bytes())
			return nil
		},
	}
}

// Nodes returns the number of distinct nodes reachable from the root.
func (f *FS) Nodes() int {
	n, _ := f.usage()
	return n
}

// Bytes returns the size of all regular files.
func (f *FS) Bytes() int64 {
	_, b := f.usage()
	return b
}

func (f *FS) usage() (nodes int, bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[*node]bool)
	var visit func(n *node)
	visit = func(n *node) {
		if seen[n] {
			return
		}
		seen[n] = true
		bytes += int64(len(n.data))
		if n.isDir() {
			n.children.Ascend(func(it btree.Item) bool {
				visit(it.(*dirent).node)
				return true
			})
		}
	}
	visit(f.root)
	return len(seen), bytes
}
