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
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		errno fuse.Errno
		ok    bool
	}{
		{fuse.EIO, fuse.EIO, true},
		{syscall.ENOTDIR, fuse.Errno(syscall.ENOTDIR), true},
		{fmt.Errorf("wrapped: %w", syscall.EISDIR), fuse.Errno(syscall.EISDIR), true},
		{Failed(syscall.ENOSPC, errors.New("disk full")), fuse.Errno(syscall.ENOSPC), true},
		{&os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}, fuse.ENOENT, true},
		{os.ErrNotExist, fuse.ENOENT, true},
		{os.ErrExist, fuse.EEXIST, true},
		{fmt.Errorf("nope: %w", os.ErrPermission), fuse.EACCES, true},
		{&panicError{value: "x"}, fuse.EIO, true},
		{errors.New("mystery"), DefaultErrno, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			errno, ok := classify(tt.err)
			assert.Equal(t, tt.errno, errno)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestBufferResults(t *testing.T) {
	data, err := readResult([]byte("abc"), 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	_, err = readResult([]byte("abcd"), 3)
	assert.Equal(t, ErrBufferTooSmall, err)

	assert.NoError(t, writeResult(4, 4))
	assert.Equal(t, fuse.EIO, writeResult(3, 4))
	assert.Equal(t, fuse.EIO, writeResult(5, 4))

	target, err := readlinkResult("/etc", 5)
	require.NoError(t, err)
	assert.Equal(t, "/etc", target)
	_, err = readlinkResult("/etc/", 5)
	assert.Equal(t, ErrBufferTooSmall, err)
}

func TestXattrResult(t *testing.T) {
	_, err := xattrResult(nil, 10)
	assert.Equal(t, fuse.ENODATA, err)

	v, err := xattrResult([]byte{}, 10)
	require.NoError(t, err)
	assert.Empty(t, v)

	v, err = xattrResult([]byte("value"), 0)
	require.NoError(t, err)
	assert.Len(t, v, 5)

	_, err = xattrResult([]byte("value"), 4)
	assert.Equal(t, ErrBufferTooSmall, err)
}

func TestListxattrResult(t *testing.T) {
	buf, err := listxattrResult(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, buf)

	buf, err = listxattrResult([]string{"user.a", "user.bb"}, 15)
	require.NoError(t, err)
	assert.Equal(t, "user.a\x00user.bb\x00", string(buf))

	_, err = listxattrResult([]string{"user.a", "user.bb"}, 14)
	assert.Equal(t, ErrBufferTooSmall, err)
}

func TestUtimensTimes(t *testing.T) {
	now := time.Unix(1000, 5)
	r := &fuse.SetattrRequest{
		Valid: fuse.SetattrAtimeNow | fuse.SetattrMtime,
		Mtime: time.Unix(20, 0),
	}
	atime, mtime := utimensTimes(r, now)
	require.NotNil(t, atime)
	require.NotNil(t, mtime)
	assert.Equal(t, now.UnixNano(), *atime)
	assert.Equal(t, int64(20*time.Second), *mtime)

	r.Valid = fuse.SetattrAtimeNow | fuse.SetattrMtimeNow
	atime, mtime = utimensTimes(r, now)
	assert.Same(t, atime, mtime)

	r.Valid = fuse.SetattrAtime
	atime, mtime = utimensTimes(r, now)
	assert.NotNil(t, atime)
	assert.Nil(t, mtime)
}

func TestSplitDev(t *testing.T) {
	for _, dev := range [][2]uint32{{0, 0}, {8, 1}, {253, 4095}, {1, 1 << 10}} {
		major, minor := splitDev(uint32(unix.Mkdev(dev[0], dev[1])))
		assert.Equal(t, dev, [2]uint32{major, minor})
	}
}

func TestFlockConversion(t *testing.T) {
	lk := flockOf(fuse.FileLock{Start: 10, End: 19, Type: unix.F_RDLCK, Pid: 3})
	want := &Flock{Type: unix.F_RDLCK, Start: 10, Len: 10, Pid: 3}
	if diff := cmp.Diff(want, lk); diff != "" {
		t.Fatalf("flock mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, fuse.FileLock{Start: 10, End: 19, Type: unix.F_RDLCK, Pid: 3}, lk.fileLock())

	// A lock to the end of the file.
	lk = flockOf(fuse.FileLock{Start: 5, End: ^uint64(0), Type: unix.F_WRLCK})
	assert.Zero(t, lk.Len)
	assert.Equal(t, ^uint64(0), lk.fileLock().End)
}

func TestDirBuffer(t *testing.T) {
	d := &dirBuffer{}
	f := newDirFiller(0, d)
	st := FileStat(0644)
	st.Ino = 9
	for _, name := range []string{"a", "bbbbbbbbbbbb", "c"} {
		assert.True(t, f.Push(name, st, 0))
	}
	assert.False(t, f.offsets)
	assert.Equal(t, []int{32, 72, 104}, d.ends)

	tests := []struct {
		off  int64
		size int
		want []string
	}{
		{0, 4096, []string{"a", "bbbbbbbbbbbb", "c"}},
		{0, 32, []string{"a"}},
		{0, 71, []string{"a"}},
		{0, 72, []string{"a", "bbbbbbbbbbbb"}},
		{32, 40, []string{"bbbbbbbbbbbb"}},
		{32, 39, nil},
		{72, 4096, []string{"c"}},
		{104, 4096, nil},
		{-1, 4096, nil},
	}
	for _, tt := range tests {
		var got []string
		for _, de := range parseDirents(t, d.slice(tt.off, tt.size)) {
			got = append(got, de.Name)
			assert.Equal(t, uint64(9), de.Ino)
			assert.Equal(t, uint32(fuse.DT_File), de.Type)
		}
		assert.Equal(t, tt.want, got, "slice(%d, %d)", tt.off, tt.size)
	}

	d.reset()
	assert.Empty(t, d.data)
	assert.False(t, d.filled)
}

func TestDirFillerOffsets(t *testing.T) {
	d := &dirBuffer{}
	f := newDirFiller(64, d)
	assert.True(t, f.Push("a", nil, 1))
	assert.True(t, f.Push("b", nil, 2))
	assert.False(t, f.Push("c", nil, 3))
	// Once full, stays full.
	assert.False(t, f.Push("", nil, 4))
	assert.True(t, f.offsets)
	assert.Empty(t, d.data)

	des := parseDirents(t, f.buf)
	require.Len(t, des, 2)
	assert.Equal(t, uint64(2), des[1].Off)
	assert.Equal(t, uint64(unknownIno), des[1].Ino)
}

func TestStatAttr(t *testing.T) {
	st := NewStat(S_IFLNK|0777, 0644)
	assert.Equal(t, uint32(S_IFLNK|0644), st.Mode)
	assert.False(t, st.IsDir())
	assert.True(t, DirectoryStat(0755).IsDir())

	st.Rdev = 7
	a := st.attr(5, time.Second)
	assert.Equal(t, uint64(5), a.Inode)
	assert.Equal(t, uint32(7), a.Rdev)

	st.Ino = 42
	assert.Equal(t, uint64(42), st.attr(5, time.Second).Inode)

	sv := defaultStatVFS()
	r := sv.response()
	assert.Equal(t, uint32(512), r.Bsize)
	assert.Equal(t, uint32(255), r.Namelen)
}
