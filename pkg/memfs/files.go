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
	"sort"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
)

func (f *FS) Chmod(ctx context.Context, path string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return err
	}
	n.mode = n.mode&fs.S_IFMT | mode&^fs.S_IFMT
	n.ctime = f.now()
	return nil
}

func (f *FS) Chown(ctx context.Context, path string, uid, gid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return err
	}
	if uid != ^uint32(0) {
		n.uid = uid
	}
	if gid != ^uint32(0) {
		n.gid = gid
	}
	n.ctime = f.now()
	return nil
}

func (f *FS) Truncate(ctx context.Context, path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.file(path)
	if err != nil {
		return err
	}
	if size < 0 {
		return fuse.EINVAL
	}
	n.data = resize(n.data, int(size))
	n.mtime = f.now()
	n.ctime = n.mtime
	return nil
}

func (f *FS) Utimens(ctx context.Context, path string, atime, mtime *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return err
	}
	if atime != nil {
		n.atime = time.Unix(0, *atime)
	}
	if mtime != nil {
		n.mtime = time.Unix(0, *mtime)
	}
	n.ctime = f.now()
	return nil
}

// file resolves p to a regular file.
func (f *FS) file(p string) (*node, error) {
	n, err := f.lookup(p)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, fuse.EISDIR
	}
	if n.mode&fs.S_IFMT != fs.S_IFREG {
		return nil, fuse.EINVAL
	}
	return n, nil
}

// Open keeps the node as the handle, so that open files survive unlink
// and rename.
func (f *FS) Open(ctx context.Context, path string, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.file(path)
	if err != nil {
		return err
	}
	fi.Handle = n
	return nil
}

func (f *FS) Create(ctx context.Context, path string, mode uint32, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.insert(ctx, path, fs.S_IFREG|mode&^fs.S_IFMT)
	if err == fuse.EEXIST && fi.Flags&unix.O_EXCL == 0 {
		n, err = f.file(path)
	}
	if err != nil {
		return err
	}
	fi.Handle = n
	return nil
}

// handle returns the node of an open file, or resolves path for
// operations made without one.
func (f *FS) handle(path string, fi *fs.FileInfo) (*node, error) {
	if fi != nil {
		if n, ok := fi.Handle.(*node); ok {
			return n, nil
		}
	}
	return f.file(path)
}

func (f *FS) Read(ctx context.Context, path string, size int, off int64, fi *fs.FileInfo) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(path, fi)
	if err != nil {
		return nil, err
	}
	n.atime = f.now()
	if off >= int64(len(n.data)) {
		return nil, nil
	}
	end := off + int64(size)
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	return append([]byte(nil), n.data[off:end]...), nil
}

func (f *FS) Write(ctx context.Context, path string, data []byte, off int64, fi *fs.FileInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(path, fi)
	if err != nil {
		return 0, err
	}
	if fi != nil && fi.Flags&unix.O_APPEND != 0 {
		off = int64(len(n.data))
	}
	if end := int(off) + len(data); end > len(n.data) {
		n.data = resize(n.data, end)
	}
	copy(n.data[off:], data)
	n.mtime = f.now()
	n.ctime = n.mtime
	return len(data), nil
}

func (f *FS) Ftruncate(ctx context.Context, path string, size int64, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(path, fi)
	if err != nil {
		return err
	}
	if size < 0 {
		return fuse.EINVAL
	}
	n.data = resize(n.data, int(size))
	n.mtime = f.now()
	n.ctime = n.mtime
	return nil
}

func (f *FS) Fgetattr(ctx context.Context, path string, fi *fs.FileInfo) (*fs.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(path, fi)
	if err != nil {
		return nil, err
	}
	return n.stat(), nil
}

func resize(data []byte, size int) []byte {
	if size <= len(data) {
		return data[:size]
	}
	if size <= cap(data) {
		old := len(data)
		data = data[:size]
		clear(data[old:])
		return data
	}
	grown := make([]byte, size, size+size/4)
	copy(grown, data)
	return grown
}

// Statfs reports fixed numbers, enough for df.
func (f *FS) Statfs(ctx context.Context, path string) (*fs.StatVFS, error) {
	return &fs.StatVFS{
		Bsize:   1024,
		Frsize:  1024,
		Blocks:  1000000,
		Bfree:   500000,
		Bavail:  990000,
		Files:   10000,
		Ffree:   9900,
		Favail:  9900,
		Fsid:    23423,
		Namemax: 10000,
	}, nil
}

func (f *FS) Readdir(ctx context.Context, path string, fill fs.Filler, off int64, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.lookup(path)
	if err != nil {
		return err
	}
	if !d.isDir() {
		return fuse.ENOTDIR
	}
	d.atime = f.now()

	fill.Push(".", d.stat(), 0)
	fill.Push("..", nil, 0)
	d.children.Ascend(func(it btree.Item) bool {
		de := it.(*dirent)
		return fill.Push(de.name, de.node.stat(), 0)
	})
	return nil
}

func (f *FS) Setxattr(ctx context.Context, path, name string, value []byte, flags uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return err
	}
	_, ok := n.xattr[name]
	switch {
	case flags&unix.XATTR_CREATE != 0 && ok:
		return fuse.EEXIST
	case flags&unix.XATTR_REPLACE != 0 && !ok:
		return fuse.ENODATA
	}
	n.xattr[name] = append([]byte{}, value...)
	n.ctime = f.now()
	return nil
}

func (f *FS) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return nil, err
	}
	return n.xattr[name], nil
}

func (f *FS) Listxattr(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.xattr))
	for name := range n.xattr {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FS) Removexattr(ctx context.Context, path, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return err
	}
	if _, ok := n.xattr[name]; !ok {
		return fuse.ENODATA
	}
	delete(n.xattr, name)
	n.ctime = f.now()
	return nil
}

// Access checks mask against the permission bits for the caller. Root
// passes every check but execute, which needs one execute bit set.
func (f *FS) Access(ctx context.Context, path string, mask uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return err
	}
	if mask == unix.F_OK {
		return nil
	}

	uid, gid := caller(ctx)
	var perm uint32
	switch {
	case uid == 0:
		perm = unix.R_OK | unix.W_OK
		if n.mode&0111 != 0 || n.isDir() {
			perm |= unix.X_OK
		}
	case uid == n.uid:
		perm = n.mode >> 6 & 7
	case gid == n.gid:
		perm = n.mode >> 3 & 7
	default:
		perm = n.mode & 7
	}
	if mask&^perm != 0 {
		return fuse.EACCES
	}
	return nil
}
