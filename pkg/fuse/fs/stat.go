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
	"time"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// File type bits, packed into Stat.Mode together with the permissions.
const (
	S_IFMT   = 0170000
	S_IFDIR  = 0040000
	S_IFREG  = 0100000
	S_IFCHR  = 0020000
	S_IFBLK  = 0060000
	S_IFIFO  = 0010000
	S_IFLNK  = 0120000
	S_IFSOCK = 0140000
)

// unknownIno is reported for directory entries pushed without attributes.
const unknownIno = 0xffffffff

// Stat is the attribute record returned by Getattr and friends. Zero
// values are sent as is; only Ino falls back to the kernel node id.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32 // type and permission bits
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Size    uint64
	Blksize uint32
	Blocks  uint64 // in 512-byte units
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// NewStat returns a record with the given type and permission bits and
// every other field zero.
func NewStat(typ, perm uint32) *Stat {
	return &Stat{Mode: typ&S_IFMT | perm&^S_IFMT}
}

// DirectoryStat returns a directory record with the given permissions.
func DirectoryStat(perm uint32) *Stat { return NewStat(S_IFDIR, perm) }

// FileStat returns a regular file record with the given permissions.
func FileStat(perm uint32) *Stat { return NewStat(S_IFREG, perm) }

// IsDir reports whether the record describes a directory.
func (st *Stat) IsDir() bool { return st.Mode&S_IFMT == S_IFDIR }

func (st *Stat) attr(id fuse.NodeID, valid time.Duration) fuse.Attr {
	ino := st.Ino
	if ino == 0 {
		ino = uint64(id)
	}
	return fuse.Attr{
		Valid:     valid,
		Inode:     ino,
		Size:      st.Size,
		Blocks:    st.Blocks,
		Atime:     st.Atime,
		Mtime:     st.Mtime,
		Ctime:     st.Ctime,
		Mode:      st.Mode,
		Nlink:     st.Nlink,
		Uid:       st.Uid,
		Gid:       st.Gid,
		Rdev:      uint32(st.Rdev),
		BlockSize: st.Blksize,
	}
}

// StatVFS is the record returned by Statfs.
type StatVFS struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	Fsid    uint64
	Flag    uint64
	Namemax uint32
}

func defaultStatVFS() *StatVFS {
	return &StatVFS{Bsize: 512, Namemax: 255}
}

func (sv *StatVFS) response() *fuse.StatfsResponse {
	return &fuse.StatfsResponse{
		Blocks:  sv.Blocks,
		Bfree:   sv.Bfree,
		Bavail:  sv.Bavail,
		Files:   sv.Files,
		Ffree:   sv.Ffree,
		Bsize:   sv.Bsize,
		Namelen: sv.Namemax,
		Frsize:  sv.Frsize,
	}
}
