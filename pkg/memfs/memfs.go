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

// Package memfs is a file system kept entirely in memory. It supports
// nested directories, regular files, symbolic and hard links, device
// nodes and extended attributes, and logs the ioctl, poll and init calls
// it receives.
package memfs

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/log"
)

const blockSize = 4096

// FS is the file system. Its methods are safe for concurrent use.
type FS struct {
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	root    *node
	lastIno uint64
}

// New returns an empty file system whose root is world writable.
func New(logger *log.Logger) *FS {
	if logger == nil {
		logger = log.Discarder()
	}
	f := &FS{logger: logger, now: time.Now}
	f.root = f.newNode(fs.S_IFDIR|0777, 0, 0)
	// The root is its own parent.
	f.root.nlink++
	return f
}

func (f *FS) newNode(mode, uid, gid uint32) *node {
	f.lastIno++
	now := f.now()
	n := &node{
		ino:   f.lastIno,
		mode:  mode,
		uid:   uid,
		gid:   gid,
		atime: now,
		mtime: now,
		ctime: now,
		xattr: make(map[string][]byte),
	}
	if n.isDir() {
		n.children = btree.New(16)
		n.nlink = 1
	}
	return n
}

func caller(ctx context.Context) (uid, gid uint32) {
	c, _ := fs.CallerFrom(ctx)
	return c.Uid, c.Gid
}

func (f *FS) lookup(p string) (*node, error) {
	return walk(f.root, p)
}

// insert creates a node at p, which must not exist.
func (f *FS) insert(ctx context.Context, p string, mode uint32) (*node, error) {
	dir, name, err := parent(f.root, p)
	if err != nil {
		return nil, err
	}
	if dir.child(name) != nil {
		return nil, fuse.EEXIST
	}
	uid, gid := caller(ctx)
	n := f.newNode(mode, uid, gid)
	dir.link(name, n)
	dir.mtime, dir.ctime = n.ctime, n.ctime
	return n, nil
}

func (f *FS) Getattr(ctx context.Context, path string) (*fs.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return nil, err
	}
	return n.stat(), nil
}

func (f *FS) Readlink(ctx context.Context, path string, size int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(path)
	if err != nil {
		return "", err
	}
	if n.mode&fs.S_IFMT != fs.S_IFLNK {
		return "", fuse.EINVAL
	}
	n.atime = f.now()
	return n.target, nil
}

func (f *FS) Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch mode & fs.S_IFMT {
	case 0:
		mode |= fs.S_IFREG
	case fs.S_IFREG, fs.S_IFIFO, fs.S_IFSOCK, fs.S_IFCHR, fs.S_IFBLK:
	default:
		return fuse.EINVAL
	}
	n, err := f.insert(ctx, path, mode)
	if err != nil {
		return err
	}
	if t := mode & fs.S_IFMT; t == fs.S_IFCHR || t == fs.S_IFBLK {
		n.rdev = unix.Mkdev(major, minor)
	}
	return nil
}

func (f *FS) Mkdir(ctx context.Context, path string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.insert(ctx, path, fs.S_IFDIR|mode&^fs.S_IFMT)
	return err
}

func (f *FS) Symlink(ctx context.Context, target, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.insert(ctx, path, fs.S_IFLNK|0777)
	if err != nil {
		return err
	}
	n.target = target
	return nil
}

func (f *FS) Link(ctx context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup(from)
	if err != nil {
		return err
	}
	if n.isDir() {
		return fuse.EPERM
	}
	dir, name, err := parent(f.root, to)
	if err != nil {
		return err
	}
	if dir.child(name) != nil {
		return fuse.EEXIST
	}
	dir.link(name, n)
	now := f.now()
	n.ctime, dir.mtime, dir.ctime = now, now, now
	return nil
}

func (f *FS) Unlink(ctx context.Context, path string) error {
	return f.remove(path, false)
}

func (f *FS) Rmdir(ctx context.Context, path string) error {
	return f.remove(path, true)
}

func (f *FS) remove(path string, wantDir bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, name, err := parent(f.root, path)
	if err != nil {
		return err
	}
	n := dir.child(name)
	switch {
	case n == nil:
		return fuse.ENOENT
	case wantDir && !n.isDir():
		return fuse.ENOTDIR
	case !wantDir && n.isDir():
		return fuse.EISDIR
	case wantDir && n.children.Len() > 0:
		return fuse.ENOTEMPTY
	}
	dir.unlink(name)
	now := f.now()
	n.ctime, dir.mtime, dir.ctime = now, now, now
	return nil
}

func (f *FS) Rename(ctx context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sdir, sname, err := parent(f.root, from)
	if err != nil {
		return err
	}
	n := sdir.child(sname)
	if n == nil {
		return fuse.ENOENT
	}
	ddir, dname, err := parent(f.root, to)
	if err != nil {
		return err
	}
	if n.isDir() && below(f.root, n, to) {
		return fuse.EINVAL
	}

	if old := ddir.child(dname); old != nil {
		if old == n {
			return nil
		}
		switch {
		case n.isDir() && !old.isDir():
			return fuse.ENOTDIR
		case !n.isDir() && old.isDir():
			return fuse.EISDIR
		case old.isDir() && old.children.Len() > 0:
			return fuse.ENOTEMPTY
		}
		ddir.unlink(dname)
		old.ctime = f.now()
	}

	sdir.unlink(sname)
	if n.isDir() {
		// unlink dropped "." along with the entry.
		n.nlink++
	}
	ddir.link(dname, n)
	now := f.now()
	n.ctime = now
	sdir.mtime, sdir.ctime, ddir.mtime, ddir.ctime = now, now, now, now
	return nil
}

// below reports whether p names a path strictly inside directory n.
func below(root, n *node, p string) bool {
	names := split(p)
	m := root
	for _, name := range names[:len(names)-1] {
		if m == n {
			return true
		}
		if m = m.child(name); m == nil {
			return false
		}
	}
	return m == n
}
