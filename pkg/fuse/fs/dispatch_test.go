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
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
)

const helloContent = "Hello, world\n"

// helloFS serves a root directory holding one file, and a few paths
// misbehaving in particular ways.
type helloFS struct {
	mu      sync.Mutex
	greedy  atomic.Bool // Read ignores size
	caller  Caller
	opened  []*FileInfo
	release []*FileInfo
}

type token struct{ n int }

func (h *helloFS) Getattr(ctx context.Context, path string) (*Stat, error) {
	h.mu.Lock()
	h.caller, _ = CallerFrom(ctx)
	h.mu.Unlock()

	switch path {
	case "/":
		return DirectoryStat(0755), nil
	case "/hello":
		st := FileStat(0644)
		st.Size = uint64(len(helloContent))
		st.Nlink = 1
		return st, nil
	case "/nil":
		return nil, nil
	case "/boom":
		return nil, errors.New("boom")
	case "/panic":
		panic("getattr exploded")
	case "/denied":
		return nil, Failed(syscall.EACCES, errors.New("no way"))
	}
	return nil, syscall.ENOENT
}

func (h *helloFS) Open(ctx context.Context, path string, fi *FileInfo) error {
	fi.Handle = &token{n: 7}
	fi.KeepCache = true
	h.mu.Lock()
	h.opened = append(h.opened, fi)
	h.mu.Unlock()
	return nil
}

func (h *helloFS) Read(ctx context.Context, path string, size int, off int64, fi *FileInfo) ([]byte, error) {
	if off >= int64(len(helloContent)) {
		return nil, nil
	}
	data := []byte(helloContent[off:])
	if !h.greedy.Load() && len(data) > size {
		data = data[:size]
	}
	return data, nil
}

func (h *helloFS) Release(ctx context.Context, path string, fi *FileInfo) error {
	h.mu.Lock()
	h.release = append(h.release, fi)
	h.mu.Unlock()
	return nil
}

func (h *helloFS) Readdir(ctx context.Context, path string, fill Filler, off int64, fi *FileInfo) error {
	fill.Push("hello", nil, 0)
	fill.Push("world", nil, 0)
	return nil
}

func TestLookupAndGetattr(t *testing.T) {
	h := &helloFS{}
	_, k, _ := serve(t, h, nil)

	e := k.lookup(1, "hello")
	assert.Equal(t, uint64(2), e.Nodeid)
	assert.Equal(t, uint64(2), e.Attr.Ino)
	assert.Equal(t, uint32(S_IFREG|0644), e.Attr.Mode)
	assert.Equal(t, uint64(len(helloContent)), e.Attr.Size)
	assert.Equal(t, uint64(1), e.EntryValid)
	assert.Equal(t, Caller{Uid: 1000, Gid: 100, Pid: 42}, h.caller)

	// The same name keeps its node.
	assert.Equal(t, e.Nodeid, k.lookup(1, "hello").Nodeid)

	var out kAttrOut
	k.ok(&out, opGetattr, e.Nodeid, kGetattrIn{})
	assert.Equal(t, e.Attr, out.Attr)

	k.ok(&out, opGetattr, 1, kGetattrIn{})
	assert.Equal(t, uint32(S_IFDIR|0755), out.Attr.Mode)

	code, _ := k.call(opLookup, 1, "missing\x00")
	assert.Equal(t, errno(fuse.ENOENT), code)

	code, _ = k.call(opLookup, 1, "denied\x00")
	assert.Equal(t, errno(fuse.EACCES), code)
}

func TestNilStatIsEIO(t *testing.T) {
	_, k, _ := serve(t, &helloFS{}, nil)
	code, _ := k.call(opLookup, 1, "nil\x00")
	assert.Equal(t, errno(fuse.EIO), code)
}

func TestUnknownNodeIsStale(t *testing.T) {
	_, k, _ := serve(t, &helloFS{}, nil)
	code, _ := k.call(opGetattr, 77, kGetattrIn{})
	assert.Equal(t, errno(fuse.ESTALE), code)
}

func TestMissingOperations(t *testing.T) {
	_, k, _ := serve(t, &helloFS{}, nil)

	type mkdirIn struct{ Mode, Umask uint32 }
	code, _ := k.call(opMkdir, 1, mkdirIn{Mode: 0755}, "dir\x00")
	assert.Equal(t, errno(fuse.ENOSYS), code)

	code, _ = k.call(opReadlink, 1)
	assert.Equal(t, errno(fuse.ENOSYS), code)

	code, _ = k.call(9999, 1)
	assert.Equal(t, errno(fuse.ENOSYS), code)

	// Still serving.
	k.lookup(1, "hello")
}

func TestUnclassifiedErrors(t *testing.T) {
	var buf syncBuffer
	_, k, _ := serve(t, &helloFS{}, logTo(&buf))

	code, _ := k.call(opLookup, 1, "boom\x00")
	assert.Equal(t, errno(DefaultErrno), code)
	assert.Equal(t, 1, strings.Count(buf.String(), "boom"), buf.String())
	assert.Contains(t, buf.String(), "lookup: boom")

	// Failures with an errno of their own are not logged.
	code, _ = k.call(opLookup, 1, "missing\x00")
	assert.Equal(t, errno(fuse.ENOENT), code)
	assert.NotContains(t, buf.String(), "missing")

	k.lookup(1, "hello")
}

func TestPanicsAreEIO(t *testing.T) {
	var buf syncBuffer
	_, k, _ := serve(t, &helloFS{}, logTo(&buf))

	code, _ := k.call(opLookup, 1, "panic\x00")
	assert.Equal(t, errno(fuse.EIO), code)
	assert.Contains(t, buf.String(), "getattr: panic: getattr exploded")

	k.lookup(1, "hello")
}

func TestRead(t *testing.T) {
	h := &helloFS{}
	_, k, _ := serve(t, h, nil)
	node := k.lookup(1, "hello").Nodeid
	fh := k.open(node, opOpen, unix.O_RDONLY)
	require.NotZero(t, fh)

	out := k.ok(nil, opRead, node, kReadIn{Fh: fh, Offset: 7, Size: 5})
	assert.Equal(t, "world", string(out))

	out = k.ok(nil, opRead, node, kReadIn{Fh: fh, Offset: 100, Size: 5})
	assert.Empty(t, out)

	code, _ := k.call(opRead, node, kReadIn{Fh: fh + 1, Size: 5})
	assert.Equal(t, errno(fuse.EBADF), code)

	h.greedy.Store(true)
	code, _ = k.call(opRead, node, kReadIn{Fh: fh, Size: 5})
	assert.Equal(t, errno(fuse.ERANGE), code)
}

func TestHandleIdentity(t *testing.T) {
	h := &helloFS{}
	s, k, _ := serve(t, h, nil)
	node := k.lookup(1, "hello").Nodeid

	var o kOpenOut
	k.ok(&o, opOpen, node, kOpenIn{Flags: unix.O_RDONLY})
	assert.Equal(t, uint32(fuse.OpenKeepCache), o.OpenFlags)

	require.Len(t, h.opened, 1)
	fi := h.opened[0]
	assert.Equal(t, fuse.HandleID(o.Fh), fi.ID())
	h.opened = nil

	runtime.GC()
	runtime.GC()

	open := s.OpenHandles()
	require.Len(t, open, 1)
	assert.Same(t, fi, open[0])
	assert.Equal(t, &token{n: 7}, open[0].Handle)

	k.ok(nil, opRelease, node, kReleaseIn{Fh: o.Fh, ReleaseFlags: uint32(fuse.ReleaseFlush), LockOwner: 9})
	require.Len(t, h.release, 1)
	assert.Same(t, fi, h.release[0])
	assert.True(t, fi.Flush)
	assert.Equal(t, uint64(9), fi.LockOwner)
	assert.Empty(t, s.OpenHandles())

	code, _ := k.call(opRelease, node, kReleaseIn{Fh: o.Fh})
	assert.Equal(t, errno(fuse.EBADF), code)
}

func TestReaddirBuffered(t *testing.T) {
	s, k, _ := serve(t, &helloFS{}, nil)
	fh := k.open(1, opOpendir, 0)

	out := k.ok(nil, opReaddir, 1, kReadIn{Fh: fh, Size: 4096})
	got := parseDirents(t, out)
	want := []dirent{
		{Name: "hello", Ino: unknownIno, Off: 32},
		{Name: "world", Ino: unknownIno, Off: 64},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dirents mismatch (-want +got):\n%s", diff)
	}

	// Later pages come from the buffer, cut at entry boundaries.
	out = k.ok(nil, opReaddir, 1, kReadIn{Fh: fh, Offset: 32, Size: 40})
	got = parseDirents(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, "world", got[0].Name)

	out = k.ok(nil, opReaddir, 1, kReadIn{Fh: fh, Offset: 64, Size: 4096})
	assert.Empty(t, out)

	k.ok(nil, opReleasedir, 1, kReleaseIn{Fh: fh})
	assert.Empty(t, s.OpenHandles())
}

// pagedFS lists a directory with offsets, one reply at a time.
type pagedFS struct {
	names []string
	calls int
}

func (p *pagedFS) Getattr(ctx context.Context, path string) (*Stat, error) {
	return DirectoryStat(0755), nil
}

func (p *pagedFS) Readdir(ctx context.Context, path string, fill Filler, off int64, fi *FileInfo) error {
	p.calls++
	for i := int(off); i < len(p.names); i++ {
		st := FileStat(0644)
		st.Ino = uint64(100 + i)
		if !fill.Push(p.names[i], st, int64(i+1)) {
			break
		}
	}
	return nil
}

func TestReaddirOffsets(t *testing.T) {
	p := &pagedFS{names: []string{"a", "b", "c"}}
	_, k, _ := serve(t, p, nil)
	fh := k.open(1, opOpendir, 0)

	// Room for two entries of 32 bytes.
	out := k.ok(nil, opReaddir, 1, kReadIn{Fh: fh, Size: 70})
	got := parseDirents(t, out)
	want := []dirent{
		{Name: "a", Ino: 100, Off: 1, Type: uint32(fuse.DT_File)},
		{Name: "b", Ino: 101, Off: 2, Type: uint32(fuse.DT_File)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}

	out = k.ok(nil, opReaddir, 1, kReadIn{Fh: fh, Offset: 2, Size: 70})
	got = parseDirents(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Name)
	assert.Equal(t, uint64(3), got[0].Off)

	out = k.ok(nil, opReaddir, 1, kReadIn{Fh: fh, Offset: 3, Size: 70})
	assert.Empty(t, out)
	assert.Equal(t, 3, p.calls)
}

// writeFS counts writes, consuming one byte less than asked for data
// starting with "short".
type writeFS struct {
	helloFS
	written []byte
}

func (w *writeFS) Write(ctx context.Context, path string, data []byte, off int64, fi *FileInfo) (int, error) {
	if strings.HasPrefix(string(data), "short") {
		return len(data) - 1, nil
	}
	w.written = append(w.written, data...)
	return len(data), nil
}

func TestWriteConsumesAll(t *testing.T) {
	w := &writeFS{}
	_, k, _ := serve(t, w, nil)
	node := k.lookup(1, "hello").Nodeid
	fh := k.open(node, opOpen, unix.O_WRONLY)

	var o kWriteOut
	k.ok(&o, opWrite, node, kWriteIn{Fh: fh, Size: 4}, "data")
	assert.Equal(t, uint32(4), o.Size)
	assert.Equal(t, "data", string(w.written))

	code, _ := k.call(opWrite, node, kWriteIn{Fh: fh, Size: 8}, "shortish")
	assert.Equal(t, errno(fuse.EIO), code)
}

// xattrFS holds extended attributes of the root.
type xattrFS struct {
	helloFS
	attrs map[string][]byte
	set   []uint32
}

func (x *xattrFS) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	return x.attrs[name], nil
}

func (x *xattrFS) Setxattr(ctx context.Context, path, name string, value []byte, flags uint32) error {
	x.attrs[name] = append([]byte(nil), value...)
	x.set = append(x.set, flags)
	return nil
}

func (x *xattrFS) Listxattr(ctx context.Context, path string) ([]string, error) {
	return []string{"user.a", "user.b"}, nil
}

func TestXattrs(t *testing.T) {
	x := &xattrFS{attrs: map[string][]byte{"user.a": []byte("value")}}
	_, k, _ := serve(t, x, nil)

	var probe kWriteOut
	k.ok(&probe, opGetxattr, 1, kXattrIn{Size: 0}, "user.a\x00")
	assert.Equal(t, uint32(5), probe.Size)

	out := k.ok(nil, opGetxattr, 1, kXattrIn{Size: 64}, "user.a\x00")
	assert.Equal(t, "value", string(out))

	code, _ := k.call(opGetxattr, 1, kXattrIn{Size: 2}, "user.a\x00")
	assert.Equal(t, errno(fuse.ERANGE), code)

	code, _ = k.call(opGetxattr, 1, kXattrIn{Size: 64}, "user.none\x00")
	assert.Equal(t, errno(fuse.ENODATA), code)

	k.ok(nil, opSetxattr, 1, kSetxattrIn{Size: 3, Flags: 1}, "user.b\x00", "new")
	assert.Equal(t, "new", string(x.attrs["user.b"]))
	assert.Equal(t, []uint32{1}, x.set)

	k.ok(&probe, opListxattr, 1, kXattrIn{Size: 0})
	assert.Equal(t, uint32(14), probe.Size)

	out = k.ok(nil, opListxattr, 1, kXattrIn{Size: 64})
	assert.Equal(t, "user.a\x00user.b\x00", string(out))

	code, _ = k.call(opListxattr, 1, kXattrIn{Size: 5})
	assert.Equal(t, errno(fuse.ERANGE), code)
}

// attrFS records setattr and mknod calls.
type attrFS struct {
	helloFS
	atime, mtime *int64
	chown        [2]uint32
	truncated    int64
	major, minor uint32
	nodMode      uint32
	order        []string
}

func (a *attrFS) Utimens(ctx context.Context, path string, atime, mtime *int64) error {
	a.atime, a.mtime = atime, mtime
	a.order = append(a.order, "utimens")
	return nil
}

func (a *attrFS) Chown(ctx context.Context, path string, uid, gid uint32) error {
	a.chown = [2]uint32{uid, gid}
	a.order = append(a.order, "chown")
	return nil
}

func (a *attrFS) Chmod(ctx context.Context, path string, mode uint32) error {
	a.order = append(a.order, "chmod")
	return nil
}

func (a *attrFS) Truncate(ctx context.Context, path string, size int64) error {
	a.truncated = size
	a.order = append(a.order, "truncate")
	return nil
}

func (a *attrFS) Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error {
	a.nodMode, a.major, a.minor = mode, major, minor
	return nil
}

func TestSetattr(t *testing.T) {
	a := &attrFS{}
	_, k, _ := serve(t, a, nil)
	node := k.lookup(1, "hello").Nodeid

	before := time.Now().UnixNano()
	var out kAttrOut
	k.ok(&out, opSetattr, node, kSetattrIn{
		Valid: uint32(fuse.SetattrAtimeNow | fuse.SetattrMtimeNow),
	})
	require.NotNil(t, a.atime)
	require.NotNil(t, a.mtime)
	assert.Equal(t, *a.atime, *a.mtime)
	assert.GreaterOrEqual(t, *a.atime, before)
	assert.Equal(t, uint64(len(helloContent)), out.Attr.Size)

	k.ok(nil, opSetattr, node, kSetattrIn{
		Valid: uint32(fuse.SetattrMtime),
		Mtime: 100,
	})
	assert.Nil(t, a.atime)
	require.NotNil(t, a.mtime)
	assert.Equal(t, int64(100*time.Second), *a.mtime)

	a.order = nil
	k.ok(nil, opSetattr, node, kSetattrIn{
		Valid: uint32(fuse.SetattrMode | fuse.SetattrGid | fuse.SetattrSize | fuse.SetattrAtime),
		Mode:  0600,
		Gid:   5,
		Size:  3,
	})
	assert.Equal(t, []string{"chmod", "chown", "truncate", "utimens"}, a.order)
	assert.Equal(t, [2]uint32{^uint32(0), 5}, a.chown)
	assert.Equal(t, int64(3), a.truncated)
}

func TestSetattrUnsupported(t *testing.T) {
	_, k, _ := serve(t, &helloFS{}, nil)
	code, _ := k.call(opSetattr, 1, kSetattrIn{Valid: uint32(fuse.SetattrSize), Size: 1})
	assert.Equal(t, errno(fuse.ENOSYS), code)
}

func TestMknodSplitsDevice(t *testing.T) {
	a := &attrFS{}
	_, k, _ := serve(t, a, nil)

	// The node is then looked up as "hello" would be.
	k.ok(nil, opMknod, 1, kMknodIn{Mode: S_IFCHR | 0600, Rdev: uint32(unix.Mkdev(8, 1))}, "hello\x00")
	assert.Equal(t, uint32(8), a.major)
	assert.Equal(t, uint32(1), a.minor)
	assert.Equal(t, uint32(S_IFCHR|0600), a.nodMode)
}

// createFS creates files whose attributes may not be readable.
type createFS struct {
	helloFS
	created []string
}

func (c *createFS) Create(ctx context.Context, path string, mode uint32, fi *FileInfo) error {
	c.created = append(c.created, path)
	fi.Handle = path
	return nil
}

func (c *createFS) Fgetattr(ctx context.Context, path string, fi *FileInfo) (*Stat, error) {
	if path == "/unreadable" || path == "/lost" {
		return nil, syscall.EIO
	}
	st := FileStat(0600)
	st.Ino = 55
	return st, nil
}

func (c *createFS) Release(ctx context.Context, path string, fi *FileInfo) error {
	c.helloFS.Release(ctx, path, fi)
	if path == "/lost" {
		return errors.New("handle vanished")
	}
	return nil
}

func TestCreate(t *testing.T) {
	c := &createFS{}
	var buf syncBuffer
	s, k, _ := serve(t, c, logTo(&buf))

	type createOut struct {
		Entry kEntryOut
		Open  kOpenOut
	}
	var o createOut
	k.ok(&o, opCreate, 1, kCreateIn{Flags: unix.O_RDWR, Mode: 0600}, "new\x00")
	assert.Equal(t, uint64(55), o.Entry.Attr.Ino)
	assert.NotZero(t, o.Open.Fh)
	require.Len(t, s.OpenHandles(), 1)
	assert.Equal(t, "/new", s.OpenHandles()[0].Handle)

	code, _ := k.call(opCreate, 1, kCreateIn{Flags: unix.O_RDWR, Mode: 0600}, "unreadable\x00")
	assert.Equal(t, errno(fuse.EIO), code)
	assert.Equal(t, []string{"/new", "/unreadable"}, c.created)
	require.Len(t, c.release, 1)
	assert.Equal(t, "/unreadable", c.release[0].Handle)
	assert.Len(t, s.OpenHandles(), 1)
	assert.NotContains(t, buf.String(), "release after failed create")

	// A failing release is logged, the create error is what is answered.
	code, _ = k.call(opCreate, 1, kCreateIn{Flags: unix.O_RDWR, Mode: 0600}, "lost\x00")
	assert.Equal(t, errno(fuse.EIO), code)
	assert.Contains(t, buf.String(), "release after failed create of /lost: handle vanished")
	assert.Len(t, s.OpenHandles(), 1)
}

func TestDefaultStatfs(t *testing.T) {
	_, k, _ := serve(t, &helloFS{}, nil)
	var out kStatfsOut
	k.ok(&out, opStatfs, 1)
	assert.Equal(t, uint32(512), out.Bsize)
	assert.Equal(t, uint32(255), out.Namelen)
	assert.Zero(t, out.Blocks)
}

// lifecycleFS records init and destroy.
type lifecycleFS struct {
	helloFS
	initErr  error
	inits    []ConnInfo
	destroys int
}

func (l *lifecycleFS) Init(ctx context.Context, info ConnInfo) error {
	l.inits = append(l.inits, info)
	return l.initErr
}

func (l *lifecycleFS) Destroy(ctx context.Context) error {
	l.destroys++
	return nil
}

func TestInitAndDestroy(t *testing.T) {
	l := &lifecycleFS{}
	_, k, _ := serve(t, l, nil)

	var out kInitOut
	k.ok(&out, opInit, 0, kInitIn{Major: 7, Minor: 12, MaxReadahead: 65536, Flags: uint32(fuse.InitBigWrites)})
	assert.Equal(t, uint32(7), out.Major)
	assert.Equal(t, uint32(12), out.Minor)
	assert.Equal(t, uint32(fuse.MaxWrite), out.MaxWrite)
	assert.Equal(t, uint32(fuse.InitBigWrites), out.Flags)
	require.Len(t, l.inits, 1)
	assert.Equal(t, fuse.Protocol{Major: 7, Minor: 12}, l.inits[0].Kernel)

	// A second init is answered without calling Init again.
	k.ok(nil, opInit, 0, kInitIn{Major: 7, Minor: 12})
	assert.Len(t, l.inits, 1)

	k.ok(nil, opDestroy, 0)
	assert.Equal(t, 1, l.destroys)
}

func TestFailedInitIsNotDestroyed(t *testing.T) {
	l := &lifecycleFS{initErr: Failed(syscall.EIO, errors.New("backend offline"))}
	s, k, wait := serve(t, l, nil)

	code, _ := k.call(opInit, 0, kInitIn{Major: 7, Minor: 12})
	assert.Equal(t, errno(fuse.EIO), code)
	require.Len(t, l.inits, 1)

	// Init is tried again on the next attempt.
	code, _ = k.call(opInit, 0, kInitIn{Major: 7, Minor: 12})
	assert.Equal(t, errno(fuse.EIO), code)
	assert.Len(t, l.inits, 2)

	k.ok(nil, opDestroy, 0)
	s.Stop()
	require.NoError(t, wait())
	require.NoError(t, s.Close())
	assert.Zero(t, l.destroys)
}

// lockFS holds one conflicting lock.
type lockFS struct {
	helloFS
	cmds []int
}

func (l *lockFS) Lock(ctx context.Context, path string, fi *FileInfo, cmd int, lk *Flock) error {
	l.cmds = append(l.cmds, cmd)
	if cmd == unix.F_GETLK {
		lk.Type = unix.F_WRLCK
		lk.Start = 10
		lk.Len = 0
		lk.Pid = 99
	}
	return nil
}

func TestLock(t *testing.T) {
	l := &lockFS{}
	_, k, _ := serve(t, l, nil)
	node := k.lookup(1, "hello").Nodeid
	fh := k.open(node, opOpen, unix.O_RDWR)

	var out kFileLock
	k.ok(&out, opGetlk, node, kLkIn{Fh: fh, Owner: 3, Lk: kFileLock{Start: 0, End: 9, Type: unix.F_RDLCK}})
	assert.Equal(t, kFileLock{Start: 10, End: ^uint64(0), Type: unix.F_WRLCK, Pid: 99}, out)
	assert.Equal(t, []int{unix.F_GETLK}, l.cmds)
}

// ioctlFS echoes its input and polls ready.
type ioctlFS struct {
	helloFS
	ph *PollHandle
}

func (i *ioctlFS) Ioctl(ctx context.Context, path string, cmd uint32, arg uint64, in []byte, fi *FileInfo) ([]byte, error) {
	return append([]byte(nil), in...), nil
}

func (i *ioctlFS) Poll(ctx context.Context, path string, ph *PollHandle, events uint32, fi *FileInfo) (uint32, error) {
	i.ph = ph
	return events & unix.POLLIN, nil
}

func TestIoctlAndPoll(t *testing.T) {
	i := &ioctlFS{}
	_, k, _ := serve(t, i, nil)
	node := k.lookup(1, "hello").Nodeid
	fh := k.open(node, opOpen, unix.O_RDWR)

	out := k.ok(nil, opIoctl, node, kIoctlIn{Fh: fh, Cmd: 1, InSize: 3, OutSize: 8}, "abc")
	var res kIoctlOut
	decode(t, out, &res)
	assert.Zero(t, res.Result)
	assert.Equal(t, "abc", string(out[16:]))

	code, _ := k.call(opIoctl, node, kIoctlIn{Fh: fh, Cmd: 1, InSize: 3, OutSize: 2}, "abc")
	assert.Equal(t, errno(fuse.ERANGE), code)

	var revents struct{ Revents, _ uint32 }
	k.ok(&revents, opPoll, node, kPollIn{Fh: fh, Kh: 5, Flags: uint32(fuse.PollScheduleNotify), Events: unix.POLLIN | unix.POLLOUT})
	assert.Equal(t, uint32(unix.POLLIN), revents.Revents)
	require.NotNil(t, i.ph)

	// The notification reaches the kernel side unsolicited.
	require.NoError(t, i.ph.Notify())
	h, body := k.reply()
	assert.Zero(t, h.Unique)
	var kh uint64
	decode(t, body, &kh)
	assert.Equal(t, uint64(5), kh)
}

func TestForgetFreesNodes(t *testing.T) {
	s, k, _ := serve(t, &helloFS{}, nil)
	node := k.lookup(1, "hello").Nodeid
	k.lookup(1, "hello")
	assert.Equal(t, 2, s.nodes.len())

	k.send(opForget, node, uint64(1))
	type batchIn struct{ Count, _ uint32 }
	k.send(opBatchForget, 0, batchIn{Count: 1}, kForgetOne{NodeID: node, Nlookup: 1})

	// Forgets are not answered; a statfs round trip orders them.
	var out kStatfsOut
	k.ok(&out, opStatfs, 1)
	assert.Equal(t, 1, s.nodes.len())

	code, _ := k.call(opGetattr, node, kGetattrIn{})
	assert.Equal(t, errno(fuse.ESTALE), code)
}

type opRecord struct {
	op    string
	errno fuse.Errno
}

type testRecorder struct {
	mu      sync.Mutex
	ops     []opRecord
	signals []string
}

func (r *testRecorder) Operation(op string, d time.Duration, errno fuse.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, opRecord{op, errno})
}

func (r *testRecorder) Signal(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, name)
}

func (r *testRecorder) records() ([]opRecord, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]opRecord(nil), r.ops...), append([]string(nil), r.signals...)
}

func TestRecorderAndTrace(t *testing.T) {
	var buf syncBuffer
	rec := &testRecorder{}
	cfg := logTo(&buf)
	cfg.Recorder = rec
	cfg.Trace = true
	_, k, _ := serve(t, &helloFS{}, cfg)

	k.lookup(1, "hello")
	k.call(opLookup, 1, "missing\x00")

	ops, _ := rec.records()
	want := []opRecord{{"getattr", 0}, {"getattr", fuse.ENOENT}}
	if diff := cmp.Diff(want, ops, cmp.AllowUnexported(opRecord{})); diff != "" {
		t.Fatalf("recorded operations mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, buf.String(), `==> getattr("/hello")`)
	assert.Contains(t, buf.String(), "<== getattr()")
	assert.Contains(t, buf.String(), `<== getattr() = no such file or directory`)
}
