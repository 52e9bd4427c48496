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

package kvfs

import (
	"context"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
)

func (f *FS) Getattr(ctx context.Context, path string) (*fs.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.resolve(ctx, path)
	if err != nil {
		return nil, f.fail("getattr", err)
	}
	return n.stat(f.super.BlockSize), nil
}

func (f *FS) Fgetattr(ctx context.Context, path string, fi *fs.FileInfo) (*fs.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(ctx, path, fi)
	if err != nil {
		return nil, f.fail("fgetattr", err)
	}
	return n.stat(f.super.BlockSize), nil
}

func (f *FS) Readlink(ctx context.Context, path string, size int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.resolve(ctx, path)
	if err != nil {
		return "", f.fail("readlink", err)
	}
	if n.Mode&fs.S_IFMT != fs.S_IFLNK {
		return "", fuse.EINVAL
	}
	return n.Target, nil
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
	n, err := f.insert(ctx, path, mode, "")
	if err != nil {
		return f.fail("mknod", err)
	}
	if t := mode & fs.S_IFMT; t == fs.S_IFCHR || t == fs.S_IFBLK {
		n.Rdev = unix.Mkdev(major, minor)
		return f.fail("mknod", f.putInode(ctx, n))
	}
	return nil
}

func (f *FS) Mkdir(ctx context.Context, path string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.insert(ctx, path, fs.S_IFDIR|mode&^fs.S_IFMT, "")
	return f.fail("mkdir", err)
}

func (f *FS) Symlink(ctx context.Context, target, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.insert(ctx, path, fs.S_IFLNK|0777, target)
	return f.fail("symlink", err)
}

func (f *FS) Link(ctx context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fail("link", f.link(ctx, from, to))
}

func (f *FS) link(ctx context.Context, from, to string) error {
	n, err := f.resolve(ctx, from)
	if err != nil {
		return err
	}
	if n.isDir() {
		return fuse.EPERM
	}
	dir, name, err := f.resolveParent(ctx, to)
	if err != nil {
		return err
	}
	if _, err := f.child(ctx, dir.Ino, name); err != fuse.ENOENT {
		if err == nil {
			return fuse.EEXIST
		}
		return err
	}
	if err := f.putChild(ctx, dir.Ino, name, n.Ino); err != nil {
		return err
	}
	n.Nlink++
	n.Ctime = f.now().UnixNano()
	return f.putInode(ctx, n)
}

func (f *FS) Unlink(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fail("unlink", f.remove(ctx, path, false))
}

func (f *FS) Rmdir(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fail("rmdir", f.remove(ctx, path, true))
}

func (f *FS) remove(ctx context.Context, path string, wantDir bool) error {
	dir, name, err := f.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	ino, err := f.child(ctx, dir.Ino, name)
	if err != nil {
		return err
	}
	n, err := f.getInode(ctx, ino)
	if err != nil {
		return err
	}
	switch {
	case wantDir && !n.isDir():
		return fuse.ENOTDIR
	case !wantDir && n.isDir():
		return fuse.EISDIR
	case wantDir:
		if err := f.empty(ctx, n); err != nil {
			return err
		}
		dir.Nlink--
	}

	if err := f.store.Delete(ctx, direntKey(dir.Ino, name)); err != nil {
		return err
	}
	dir.Mtime = f.now().UnixNano()
	dir.Ctime = dir.Mtime
	if err := f.putInode(ctx, dir); err != nil {
		return err
	}
	return f.drop(ctx, n)
}

func (f *FS) empty(ctx context.Context, dir *inode) error {
	names, err := f.children(ctx, dir.Ino)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return fuse.ENOTEMPTY
	}
	return nil
}

func (f *FS) Rename(ctx context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fail("rename", f.rename(ctx, from, to))
}

func (f *FS) rename(ctx context.Context, from, to string) error {
	sdir, sname, err := f.resolveParent(ctx, from)
	if err != nil {
		return err
	}
	ino, err := f.child(ctx, sdir.Ino, sname)
	if err != nil {
		return err
	}
	n, err := f.getInode(ctx, ino)
	if err != nil {
		return err
	}
	ddir, dname, err := f.resolveParent(ctx, to)
	if err != nil {
		return err
	}
	if ddir.Ino == sdir.Ino {
		ddir = sdir
	}
	if n.isDir() {
		// A directory cannot move below itself.
		if below, err := f.below(ctx, n.Ino, to); err != nil || below {
			if err == nil {
				err = fuse.EINVAL
			}
			return err
		}
	}

	oldIno, err := f.child(ctx, ddir.Ino, dname)
	switch {
	case err == nil && oldIno == n.Ino:
		return nil
	case err == nil:
		old, err := f.getInode(ctx, oldIno)
		if err != nil {
			return err
		}
		switch {
		case n.isDir() && !old.isDir():
			return fuse.ENOTDIR
		case !n.isDir() && old.isDir():
			return fuse.EISDIR
		case old.isDir():
			if err := f.empty(ctx, old); err != nil {
				return err
			}
			ddir.Nlink--
		}
		if err := f.drop(ctx, old); err != nil {
			return err
		}
	case err != fuse.ENOENT:
		return err
	}

	if err := f.store.Delete(ctx, direntKey(sdir.Ino, sname)); err != nil {
		return err
	}
	if err := f.putChild(ctx, ddir.Ino, dname, n.Ino); err != nil {
		return err
	}
	now := f.now().UnixNano()
	if n.isDir() && sdir != ddir {
		sdir.Nlink--
		ddir.Nlink++
	}
	n.Ctime = now
	sdir.Mtime, sdir.Ctime, ddir.Mtime, ddir.Ctime = now, now, now, now
	if err := f.putInode(ctx, n); err != nil {
		return err
	}
	if err := f.putInode(ctx, sdir); err != nil {
		return err
	}
	if sdir != ddir {
		return f.putInode(ctx, ddir)
	}
	return nil
}

// below reports whether the directory holding p is ino or inside it.
func (f *FS) below(ctx context.Context, ino uint64, p string) (bool, error) {
	names := split(p)
	cur := uint64(rootIno)
	for _, name := range names[:len(names)-1] {
		if cur == ino {
			return true, nil
		}
		next, err := f.child(ctx, cur, name)
		if err != nil {
			return false, err
		}
		cur = next
	}
	return cur == ino, nil
}

// update applies fn to the inode at path and stores it.
func (f *FS) update(ctx context.Context, op, path string, fn func(n *inode) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.resolve(ctx, path)
	if err != nil {
		return f.fail(op, err)
	}
	if err := fn(n); err != nil {
		return f.fail(op, err)
	}
	n.Ctime = f.now().UnixNano()
	return f.fail(op, f.putInode(ctx, n))
}

func (f *FS) Chmod(ctx context.Context, path string, mode uint32) error {
	return f.update(ctx, "chmod", path, func(n *inode) error {
		n.Mode = n.Mode&fs.S_IFMT | mode&^fs.S_IFMT
		return nil
	})
}

func (f *FS) Chown(ctx context.Context, path string, uid, gid uint32) error {
	return f.update(ctx, "chown", path, func(n *inode) error {
		if uid != ^uint32(0) {
			n.Uid = uid
		}
		if gid != ^uint32(0) {
			n.Gid = gid
		}
		return nil
	})
}

func (f *FS) Utimens(ctx context.Context, path string, atime, mtime *int64) error {
	return f.update(ctx, "utimens", path, func(n *inode) error {
		if atime != nil {
			n.Atime = *atime
		}
		if mtime != nil {
			n.Mtime = *mtime
		}
		return nil
	})
}

func (f *FS) Truncate(ctx context.Context, path string, size int64) error {
	return f.update(ctx, "truncate", path, func(n *inode) error {
		return f.truncate(ctx, n, size)
	})
}

func (f *FS) Ftruncate(ctx context.Context, path string, size int64, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(ctx, path, fi)
	if err != nil {
		return f.fail("ftruncate", err)
	}
	if err := f.truncate(ctx, n, size); err != nil {
		return f.fail("ftruncate", err)
	}
	return f.fail("ftruncate", f.putInode(ctx, n))
}

func (f *FS) truncate(ctx context.Context, n *inode, size int64) error {
	switch {
	case n.isDir():
		return fuse.EISDIR
	case n.Mode&fs.S_IFMT != fs.S_IFREG:
		return fuse.EINVAL
	case size < 0:
		return fuse.EINVAL
	}
	if uint64(size) < n.Size {
		if err := f.truncateBlocks(ctx, n.Ino, uint64(size)); err != nil {
			return err
		}
	}
	n.Size = uint64(size)
	n.Mtime = f.now().UnixNano()
	return nil
}

// file resolves p to a regular file.
func (f *FS) file(ctx context.Context, p string) (*inode, error) {
	n, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, fuse.EISDIR
	}
	if n.Mode&fs.S_IFMT != fs.S_IFREG {
		return nil, fuse.EINVAL
	}
	return n, nil
}

// handle loads the inode of an open file, which survives unlink, or
// resolves path for operations made without one.
func (f *FS) handle(ctx context.Context, path string, fi *fs.FileInfo) (*inode, error) {
	if fi != nil {
		if ino, ok := fi.Handle.(uint64); ok {
			return f.getInode(ctx, ino)
		}
	}
	return f.file(ctx, path)
}

func (f *FS) Open(ctx context.Context, path string, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.file(ctx, path)
	if err != nil {
		return f.fail("open", err)
	}
	fi.Handle = n.Ino
	f.open[n.Ino]++
	return nil
}

func (f *FS) Create(ctx context.Context, path string, mode uint32, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.insert(ctx, path, fs.S_IFREG|mode&^fs.S_IFMT, "")
	if err == fuse.EEXIST && fi.Flags&unix.O_EXCL == 0 {
		n, err = f.file(ctx, path)
	}
	if err != nil {
		return f.fail("create", err)
	}
	fi.Handle = n.Ino
	f.open[n.Ino]++
	return nil
}

// Release deletes files unlinked while open once their last handle goes.
func (f *FS) Release(ctx context.Context, path string, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ino, ok := fi.Handle.(uint64)
	if !ok {
		return nil
	}
	if f.open[ino]--; f.open[ino] > 0 {
		return nil
	}
	delete(f.open, ino)
	if f.orphans[ino] {
		return f.fail("release", f.delete(ctx, ino))
	}
	return nil
}

func (f *FS) Read(ctx context.Context, path string, size int, off int64, fi *fs.FileInfo) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(ctx, path, fi)
	if err != nil {
		return nil, f.fail("read", err)
	}
	data, err := f.readAt(ctx, n, size, off)
	return data, f.fail("read", err)
}

func (f *FS) Write(ctx context.Context, path string, data []byte, off int64, fi *fs.FileInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.handle(ctx, path, fi)
	if err != nil {
		return 0, f.fail("write", err)
	}
	if fi != nil && fi.Flags&unix.O_APPEND != 0 {
		off = int64(n.Size)
	}
	if err := f.writeAt(ctx, n, data, off); err != nil {
		return 0, f.fail("write", err)
	}
	return len(data), nil
}

// Statfs counts the stored inodes and blocks.
func (f *FS) Statfs(ctx context.Context, path string) (*fs.StatVFS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inodes, err := f.store.Keys(ctx, inodePrefix)
	if err != nil {
		return nil, f.fail("statfs", err)
	}
	blocks, err := f.store.Keys(ctx, blockPrefix)
	if err != nil {
		return nil, f.fail("statfs", err)
	}
	const free = 1 << 30
	return &fs.StatVFS{
		Bsize:   f.super.BlockSize,
		Frsize:  f.super.BlockSize,
		Blocks:  uint64(len(blocks)) + free,
		Bfree:   free,
		Bavail:  free,
		Files:   uint64(len(inodes)) + free,
		Ffree:   free,
		Favail:  free,
		Fsid:    f.fsid(),
		Namemax: 255,
	}, nil
}

// Readdir lists entries by position, so that large directories are read
// one reply at a time.
func (f *FS) Readdir(ctx context.Context, path string, fill fs.Filler, off int64, fi *fs.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.resolve(ctx, path)
	if err != nil {
		return f.fail("readdir", err)
	}
	if !d.isDir() {
		return fuse.ENOTDIR
	}
	names, err := f.children(ctx, d.Ino)
	if err != nil {
		return f.fail("readdir", err)
	}

	names = append([]string{".", ".."}, names...)
	if off < 0 {
		off = 0
	}
	for i := off; i < int64(len(names)); i++ {
		var st *fs.Stat
		switch name := names[i]; name {
		case ".":
			st = d.stat(f.super.BlockSize)
		case "..":
		default:
			ino, err := f.child(ctx, d.Ino, name)
			if err != nil {
				return f.fail("readdir", err)
			}
			n, err := f.getInode(ctx, ino)
			if err != nil {
				return f.fail("readdir", err)
			}
			st = n.stat(f.super.BlockSize)
		}
		if !fill.Push(names[i], st, i+1) {
			break
		}
	}
	return nil
}

func (f *FS) Setxattr(ctx context.Context, path, name string, value []byte, flags uint32) error {
	return f.update(ctx, "setxattr", path, func(n *inode) error {
		exists := n.getxattr(name) != nil
		switch {
		case flags&unix.XATTR_CREATE != 0 && exists:
			return fuse.EEXIST
		case flags&unix.XATTR_REPLACE != 0 && !exists:
			return fuse.ENODATA
		}
		n.setxattr(name, append([]byte{}, value...))
		return nil
	})
}

func (f *FS) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.resolve(ctx, path)
	if err != nil {
		return nil, f.fail("getxattr", err)
	}
	return n.getxattr(name), nil
}

func (f *FS) Listxattr(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.resolve(ctx, path)
	if err != nil {
		return nil, f.fail("listxattr", err)
	}
	names := make([]string, len(n.Xattrs))
	for i, x := range n.Xattrs {
		names[i] = x.Name
	}
	sort.Strings(names)
	return names, nil
}

func (f *FS) Removexattr(ctx context.Context, path, name string) error {
	return f.update(ctx, "removexattr", path, func(n *inode) error {
		if !n.removexattr(name) {
			return fuse.ENODATA
		}
		return nil
	})
}

func (f *FS) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Files still open at unmount are gone for good.
	for ino := range f.orphans {
		if err := f.delete(ctx, ino); err != nil {
			return f.fail("destroy", err)
		}
	}
	f.logger.Infof("kvfs: unmounted, last inode %d", f.super.LastIno)
	return nil
}
