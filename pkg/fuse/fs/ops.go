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
	"context"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// A file system is any value implementing some of the interfaces below,
// one per operation. Paths are absolute and rooted at the mount point.
// Operations run one at a time on the goroutine driving Loop.

type Getattrer interface {
	Getattr(ctx context.Context, path string) (*Stat, error)
}

// Fgetattrer is preferred over Getattrer when the kernel names an open
// handle.
type Fgetattrer interface {
	Fgetattr(ctx context.Context, path string, fi *FileInfo) (*Stat, error)
}

// Readlinker returns the target of a symbolic link. size is the largest
// target the caller accepts, terminator included.
type Readlinker interface {
	Readlink(ctx context.Context, path string, size int) (string, error)
}

type Mknoder interface {
	Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error
}

type Mkdirer interface {
	Mkdir(ctx context.Context, path string, mode uint32) error
}

type Unlinker interface {
	Unlink(ctx context.Context, path string) error
}

type Rmdirer interface {
	Rmdir(ctx context.Context, path string) error
}

// Symlinker creates path as a symbolic link to target.
type Symlinker interface {
	Symlink(ctx context.Context, target, path string) error
}

type Renamer interface {
	Rename(ctx context.Context, from, to string) error
}

// Linker creates to as a hard link to from.
type Linker interface {
	Link(ctx context.Context, from, to string) error
}

type Chmoder interface {
	Chmod(ctx context.Context, path string, mode uint32) error
}

// Chowner changes ownership. An id of ^uint32(0) is left unchanged.
type Chowner interface {
	Chown(ctx context.Context, path string, uid, gid uint32) error
}

type Truncater interface {
	Truncate(ctx context.Context, path string, size int64) error
}

type Ftruncater interface {
	Ftruncate(ctx context.Context, path string, size int64, fi *FileInfo) error
}

// Utimenser sets access and modification times, in nanoseconds since the
// epoch. A nil time is left unchanged.
type Utimenser interface {
	Utimens(ctx context.Context, path string, atime, mtime *int64) error
}

type Opener interface {
	Open(ctx context.Context, path string, fi *FileInfo) error
}

type Creator interface {
	Create(ctx context.Context, path string, mode uint32, fi *FileInfo) error
}

// Reader returns at most size bytes read at off.
type Reader interface {
	Read(ctx context.Context, path string, size int, off int64, fi *FileInfo) ([]byte, error)
}

// Writer reports how many bytes of data it consumed, which must be all
// of them.
type Writer interface {
	Write(ctx context.Context, path string, data []byte, off int64, fi *FileInfo) (int, error)
}

type Statfser interface {
	Statfs(ctx context.Context, path string) (*StatVFS, error)
}

type Flusher interface {
	Flush(ctx context.Context, path string, fi *FileInfo) error
}

type Releaser interface {
	Release(ctx context.Context, path string, fi *FileInfo) error
}

type Fsyncer interface {
	Fsync(ctx context.Context, path string, datasync bool, fi *FileInfo) error
}

type Setxattrer interface {
	Setxattr(ctx context.Context, path, name string, value []byte, flags uint32) error
}

// Getxattrer returns a nil value for attributes that do not exist.
type Getxattrer interface {
	Getxattr(ctx context.Context, path, name string) ([]byte, error)
}

type Listxattrer interface {
	Listxattr(ctx context.Context, path string) ([]string, error)
}

type Removexattrer interface {
	Removexattr(ctx context.Context, path, name string) error
}

type Opendirer interface {
	Opendir(ctx context.Context, path string, fi *FileInfo) error
}

// Readdirer pushes directory entries into fill, starting after off.
type Readdirer interface {
	Readdir(ctx context.Context, path string, fill Filler, off int64, fi *FileInfo) error
}

type Releasedirer interface {
	Releasedir(ctx context.Context, path string, fi *FileInfo) error
}

type Fsyncdirer interface {
	Fsyncdir(ctx context.Context, path string, datasync bool, fi *FileInfo) error
}

// Initer is called once per mount, before the first request is served.
type Initer interface {
	Init(ctx context.Context, info ConnInfo) error
}

// Destroyer is called once per mount, after the last request.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

type Accesser interface {
	Access(ctx context.Context, path string, mask uint32) error
}

// Locker implements POSIX record locks. cmd is unix.F_GETLK, F_SETLK or
// F_SETLKW; for F_GETLK the conflicting lock is written back into lk, or
// lk.Type set to F_UNLCK.
type Locker interface {
	Lock(ctx context.Context, path string, fi *FileInfo, cmd int, lk *Flock) error
}

type Bmapper interface {
	Bmap(ctx context.Context, path string, blocksize uint32, idx uint64) (uint64, error)
}

// Ioctler handles restricted ioctls. The output must fit the size the
// kernel asked for.
type Ioctler interface {
	Ioctl(ctx context.Context, path string, cmd uint32, arg uint64, in []byte, fi *FileInfo) ([]byte, error)
}

// Poller reports ready events. ph is non-nil when the kernel wants to be
// told about later readiness through ph.Notify.
type Poller interface {
	Poll(ctx context.Context, path string, ph *PollHandle, events uint32, fi *FileInfo) (uint32, error)
}

// Signaler maps signal names ("HUP", "USR2") to handlers run on the loop
// goroutine. Handlers for TERM, INT and USR1 replace the built-in ones.
type Signaler interface {
	Signals() map[string]func() error
}

// A Filler receives directory entries. Entries pushed with a non-zero
// off fill one reply and Push returns false once it is full; the next
// call starts after the last accepted off. Entries pushed with off 0 are
// collected for the whole directory and served from memory.
type Filler interface {
	Push(name string, st *Stat, off int64) bool
}

// FileInfo is the state of one open file or directory. It is handed to
// every operation on the handle and dropped after release.
type FileInfo struct {
	// Flags are the open(2) flags.
	Flags uint32

	// Handle is the file system's own token for the open file.
	Handle interface{}

	// Reply hints set by Open, Create and Opendir.
	DirectIO    bool
	KeepCache   bool
	NonSeekable bool

	// LockOwner identifies the lock owner on flush, release and lock.
	LockOwner uint64

	// Flush is set on release when the handle should be flushed too.
	Flush bool

	// Writepage is set on writes caused by the page cache.
	Writepage bool

	id  fuse.HandleID
	dir *dirBuffer
}

// ID returns the handle number the kernel uses for the open file.
func (fi *FileInfo) ID() fuse.HandleID { return fi.id }

func (fi *FileInfo) openFlags() fuse.OpenResponseFlags {
	var fl fuse.OpenResponseFlags
	if fi.DirectIO {
		fl |= fuse.OpenDirectIO
	}
	if fi.KeepCache {
		fl |= fuse.OpenKeepCache
	}
	if fi.NonSeekable {
		fl |= fuse.OpenNonSeekable
	}
	return fl
}

// Flock is a POSIX record lock as in struct flock. Len 0 extends to the
// end of the file.
type Flock struct {
	Type   int16
	Whence int16
	Start  int64
	Len    int64
	Pid    int32
}

func flockOf(lk fuse.FileLock) *Flock {
	fl := &Flock{
		Type:  int16(lk.Type),
		Start: int64(lk.Start),
		Pid:   int32(lk.Pid),
	}
	if lk.End != ^uint64(0) {
		fl.Len = int64(lk.End-lk.Start) + 1
	}
	return fl
}

func (fl *Flock) fileLock() fuse.FileLock {
	lk := fuse.FileLock{
		Start: uint64(fl.Start),
		End:   ^uint64(0),
		Type:  uint32(fl.Type),
		Pid:   uint32(fl.Pid),
	}
	if fl.Len > 0 {
		lk.End = uint64(fl.Start + fl.Len - 1)
	}
	return lk
}

// A PollHandle wakes a poller registered through Poll.
type PollHandle struct {
	conn *fuse.Conn
	kh   uint64
}

// Notify tells the kernel that the polled file may have become ready.
func (ph *PollHandle) Notify() error {
	return ph.conn.NotifyPollWakeup(ph.kh)
}

// ConnInfo describes the kernel connection to Init.
type ConnInfo struct {
	Kernel       fuse.Protocol
	Library      fuse.Protocol
	MaxReadahead uint32
	MaxWrite     uint32
	Flags        fuse.InitFlags
}

// Caller identifies the process behind a request.
type Caller struct {
	Uid uint32
	Gid uint32
	Pid uint32
}

type callerKey struct{}

// CallerFrom returns the caller stored in an operation's context.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func withCaller(ctx context.Context, hdr *fuse.Header) context.Context {
	return context.WithValue(ctx, callerKey{}, Caller{Uid: hdr.Uid, Gid: hdr.Gid, Pid: hdr.Pid})
}
