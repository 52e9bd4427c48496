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
	"bytes"
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/log"
)

// The tests play the kernel over a packet socketpair: requests are
// encoded as /dev/fuse would deliver them and replies decoded from the
// other end.

const (
	opLookup      = 1
	opForget      = 2
	opGetattr     = 3
	opSetattr     = 4
	opReadlink    = 5
	opSymlink     = 6
	opMknod       = 8
	opMkdir       = 9
	opUnlink      = 10
	opRename      = 12
	opOpen        = 14
	opRead        = 15
	opWrite       = 16
	opStatfs      = 17
	opRelease     = 18
	opSetxattr    = 21
	opGetxattr    = 22
	opListxattr   = 23
	opInit        = 26
	opOpendir     = 27
	opReaddir     = 28
	opReleasedir  = 29
	opGetlk       = 31
	opCreate      = 35
	opDestroy     = 38
	opIoctl       = 39
	opPoll        = 40
	opBatchForget = 42
)

type kInHeader struct {
	Len    uint32
	Opcode uint32
	Unique uint64
	Nodeid uint64
	Uid    uint32
	Gid    uint32
	Pid    uint32
	_      uint32
}

type kOutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

type kAttr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32
	_         uint32
}

type kEntryOut struct {
	Nodeid         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           kAttr
}

type kAttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	_             uint32
	Attr          kAttr
}

type kGetattrIn struct {
	Flags uint32
	_     uint32
	Fh    uint64
}

type kSetattrIn struct {
	Valid     uint32
	_         uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	_         uint64
	AtimeNsec uint32
	MtimeNsec uint32
	_         uint32
	Mode      uint32
	_         uint32
	Uid       uint32
	Gid       uint32
	_         uint32
}

type kOpenIn struct {
	Flags uint32
	_     uint32
}

type kOpenOut struct {
	Fh        uint64
	OpenFlags uint32
	_         uint32
}

type kCreateIn struct {
	Flags uint32
	Mode  uint32
	Umask uint32
	_     uint32
}

type kMknodIn struct {
	Mode  uint32
	Rdev  uint32
	Umask uint32
	_     uint32
}

type kReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	_         uint32
}

type kWriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	_          uint32
}

type kWriteOut struct {
	Size uint32
	_    uint32
}

type kReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type kXattrIn struct {
	Size uint32
	_    uint32
}

type kSetxattrIn struct {
	Size  uint32
	Flags uint32
}

type kStatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	_       uint32
	_       [6]uint32
}

type kInitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type kInitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
}

type kFileLock struct {
	Start uint64
	End   uint64
	Type  uint32
	Pid   uint32
}

type kLkIn struct {
	Fh      uint64
	Owner   uint64
	Lk      kFileLock
	LkFlags uint32
	_       uint32
}

type kIoctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
}

type kIoctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
}

type kPollIn struct {
	Fh     uint64
	Kh     uint64
	Flags  uint32
	Events uint32
}

type kForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

type kDirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

// kernel is the test's side of the socketpair.
type kernel struct {
	t      *testing.T
	fd     int
	unique uint64
	fence  *fence
}

// fence orders what the file system recorded while serving a request
// before the test reads the reply.
type fence struct {
	sync.Mutex
	next Recorder
}

func (f *fence) Operation(op string, d time.Duration, errno fuse.Errno) {
	f.Lock()
	defer f.Unlock()
	f.next.Operation(op, d, errno)
}

func (f *fence) Signal(name string) {
	f.Lock()
	defer f.Unlock()
	f.next.Signal(name)
}

func (f *fence) pass() {
	f.Lock()
	f.Unlock()
}

func (k *kernel) send(opcode uint32, node uint64, body ...interface{}) uint64 {
	k.t.Helper()
	var payload bytes.Buffer
	for _, b := range body {
		switch v := b.(type) {
		case string:
			payload.WriteString(v)
		case []byte:
			payload.Write(v)
		default:
			require.NoError(k.t, binary.Write(&payload, binary.LittleEndian, v))
		}
	}
	k.unique++
	var msg bytes.Buffer
	require.NoError(k.t, binary.Write(&msg, binary.LittleEndian, kInHeader{
		Len:    uint32(binary.Size(kInHeader{}) + payload.Len()),
		Opcode: opcode,
		Unique: k.unique,
		Nodeid: node,
		Uid:    1000,
		Gid:    100,
		Pid:    42,
	}))
	msg.Write(payload.Bytes())
	_, err := unix.Write(k.fd, msg.Bytes())
	require.NoError(k.t, err)
	return k.unique
}

func (k *kernel) reply() (kOutHeader, []byte) {
	k.t.Helper()
	fds := []unix.PollFd{{Fd: int32(k.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		require.NoError(k.t, err)
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			k.t.Fatal("no reply from server")
		}
	}
	buf := make([]byte, 1<<18)
	n, err := unix.Read(k.fd, buf)
	require.NoError(k.t, err)
	k.fence.pass()
	var h kOutHeader
	decode(k.t, buf[:n], &h)
	require.Equal(k.t, int(h.Len), n)
	return h, buf[binary.Size(h):n]
}

// call sends a request and returns the errno and body of its reply.
func (k *kernel) call(opcode uint32, node uint64, body ...interface{}) (int32, []byte) {
	k.t.Helper()
	unique := k.send(opcode, node, body...)
	h, out := k.reply()
	require.Equal(k.t, unique, h.Unique)
	return h.Error, out
}

// ok sends a request that must succeed and decodes its reply into v.
func (k *kernel) ok(v interface{}, opcode uint32, node uint64, body ...interface{}) []byte {
	k.t.Helper()
	errno, out := k.call(opcode, node, body...)
	require.Zero(k.t, errno, "opcode %d failed", opcode)
	if v != nil {
		decode(k.t, out, v)
	}
	return out
}

func (k *kernel) lookup(parent uint64, name string) kEntryOut {
	k.t.Helper()
	var e kEntryOut
	k.ok(&e, opLookup, parent, name+"\x00")
	return e
}

func (k *kernel) open(node uint64, op uint32, flags uint32) uint64 {
	k.t.Helper()
	var o kOpenOut
	k.ok(&o, op, node, kOpenIn{Flags: flags})
	return o.Fh
}

func decode(t *testing.T, b []byte, v interface{}) {
	t.Helper()
	require.NoError(t, binary.Read(bytes.NewReader(b), binary.LittleEndian, v))
}

func errno(e fuse.Errno) int32 { return -int32(e) }

type dirent struct {
	Name string
	Ino  uint64
	Off  uint64
	Type uint32
}

func parseDirents(t *testing.T, b []byte) []dirent {
	t.Helper()
	var des []dirent
	for len(b) > 0 {
		var de kDirent
		decode(t, b, &de)
		size := fuse.DirentSize(string(make([]byte, de.Namelen)))
		require.LessOrEqual(t, size, len(b))
		hdr := binary.Size(de)
		des = append(des, dirent{
			Name: string(b[hdr : hdr+int(de.Namelen)]),
			Ino:  de.Ino,
			Off:  de.Off,
			Type: de.Type,
		})
		b = b[size:]
	}
	return des
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// serve starts a looping server for fsys over a fresh socketpair. wait
// returns the result of the loop.
func serve(t *testing.T, fsys interface{}, cfg *Config) (s *Server, k *kernel, wait func() error) {
	t.Helper()
	s, k = attach(t, fsys, cfg)
	wait = loop(t, s)
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)
	t.Cleanup(func() {
		s.Stop()
		wait()
	})
	return s, k, wait
}

// loop runs s.Loop on its own goroutine.
func loop(t *testing.T, s *Server) func() error {
	var err error
	done := make(chan struct{})
	go func() {
		err = s.Loop()
		close(done)
	}()
	return func() error {
		select {
		case <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not return")
			return nil
		}
	}
}

// attach returns a mounted but idle server.
func attach(t *testing.T, fsys interface{}, cfg *Config) (*Server, *kernel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	c := Config{Logger: log.Discarder()}
	if cfg != nil {
		c = *cfg
	}
	f := &fence{next: c.Recorder}
	if f.next == nil {
		f.next = nopRecorder{}
	}
	c.Recorder = f
	s, err := NewServer(fsys, &c)
	require.NoError(t, err)
	require.NoError(t, s.Attach(fuse.NewConn(os.NewFile(uintptr(fds[0]), "fuse-test"))))
	k := &kernel{t: t, fd: fds[1], fence: f}
	t.Cleanup(func() {
		s.Close()
		k.close()
	})
	return s, k
}

// close hangs up the kernel side of the channel.
func (k *kernel) close() {
	if k.fd >= 0 {
		unix.Close(k.fd)
		k.fd = -1
	}
}

// logTo returns a config logging into a buffer.
func logTo(buf *syncBuffer) *Config {
	return &Config{Logger: log.New(log.Writer(buf))}
}
