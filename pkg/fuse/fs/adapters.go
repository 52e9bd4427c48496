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
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// Adapters between the fixed size buffers of the kernel protocol and the
// variable length results of the operations.

// pathMax is the readlink buffer size offered to file systems, terminator
// included.
const pathMax = unix.PathMax + 1

// readResult checks that a read returned no more than size bytes.
func readResult(data []byte, size int) ([]byte, error) {
	if len(data) > size {
		return nil, ErrBufferTooSmall
	}
	return data, nil
}

// writeResult checks that a write consumed all of the data.
func writeResult(n, size int) error {
	if n != size {
		return fuse.EIO
	}
	return nil
}

// readlinkResult checks that target and its terminator fit size bytes.
func readlinkResult(target string, size int) (string, error) {
	if len(target) >= size {
		return "", ErrBufferTooSmall
	}
	return target, nil
}

// xattrResult checks a getxattr value against the caller's buffer. A
// zero size is a probe; the value is returned whole so that its length
// can be reported.
func xattrResult(value []byte, size uint32) ([]byte, error) {
	if value == nil {
		return nil, fuse.ENODATA
	}
	if size != 0 && len(value) > int(size) {
		return nil, ErrBufferTooSmall
	}
	return value, nil
}

// listxattrResult packs names as NUL terminated runs, failing as soon as
// they outgrow a non-zero size.
func listxattrResult(names []string, size uint32) ([]byte, error) {
	var buf []byte
	for _, name := range names {
		if size != 0 && len(buf)+len(name)+1 > int(size) {
			return nil, ErrBufferTooSmall
		}
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// utimensTimes resolves the times of a setattr in nanoseconds. Times set
// to "now" share one clock reading.
func utimensTimes(r *fuse.SetattrRequest, now time.Time) (atime, mtime *int64) {
	nowNs := now.UnixNano()
	if r.Valid.AtimeNow() {
		atime = &nowNs
	} else if r.Valid.Atime() {
		ns := r.Atime.UnixNano()
		atime = &ns
	}
	if r.Valid.MtimeNow() {
		mtime = &nowNs
	} else if r.Valid.Mtime() {
		ns := r.Mtime.UnixNano()
		mtime = &ns
	}
	return atime, mtime
}

// splitDev decomposes a device number into its major and minor parts.
func splitDev(rdev uint32) (major, minor uint32) {
	return unix.Major(uint64(rdev)), unix.Minor(uint64(rdev))
}

// dirBuffer holds a whole directory listing for file systems that push
// entries without offsets.
type dirBuffer struct {
	data   []byte
	ends   []int // offset just past each entry
	filled bool
}

func (d *dirBuffer) reset() {
	d.data = d.data[:0]
	d.ends = d.ends[:0]
	d.filled = false
}

// slice returns the whole entries starting at off that fit size bytes.
func (d *dirBuffer) slice(off int64, size int) []byte {
	if off < 0 || off >= int64(len(d.data)) {
		return nil
	}
	start := int(off)
	i := sort.SearchInts(d.ends, start+size+1)
	if i == 0 {
		return nil
	}
	end := d.ends[i-1]
	if end <= start {
		return nil
	}
	return d.data[start:end]
}

// dirFiller is the Filler handed to Readdir.
type dirFiller struct {
	size    int
	buf     []byte
	full    bool
	offsets bool
	dir     *dirBuffer
}

var _ Filler = (*dirFiller)(nil)

func newDirFiller(size int, dir *dirBuffer) *dirFiller {
	return &dirFiller{size: size, dir: dir}
}

func (f *dirFiller) Push(name string, st *Stat, off int64) bool {
	de := fuse.Dirent{Name: name, Inode: unknownIno}
	if st != nil {
		de.Type = fuse.DirentTypeOf(st.Mode)
		if st.Ino != 0 {
			de.Inode = st.Ino
		}
	}

	if off != 0 {
		if f.full {
			return false
		}
		if len(f.buf)+fuse.DirentSize(name) > f.size {
			f.full = true
			return false
		}
		f.offsets = true
		de.Offset = uint64(off)
		f.buf = fuse.AppendDirent(f.buf, de)
		return true
	}

	f.dir.data = fuse.AppendDirent(f.dir.data, de)
	f.dir.ends = append(f.dir.ends, len(f.dir.data))
	return true
}
