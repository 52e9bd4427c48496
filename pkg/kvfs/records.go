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
	"bytes"
	"fmt"
	"strings"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/kurafs/fusekit/pkg/fuse/fs"
)

// Layout of the store:
//
//	super                 superblock
//	i/<ino>               inode
//	d/<ino>/<name>        directory entry, holding the child's ino
//	b/<ino>/<index>       file block, sealed when a passphrase is set
//
// Numbers are 16 hex digits so that keys sort numerically.
const (
	superKey     = "super"
	inodePrefix  = "i/"
	direntPrefix = "d/"
	blockPrefix  = "b/"
)

const (
	magic   = 0x6b766673 // "kvfs"
	version = 1

	rootIno = 1
)

func inodeKey(ino uint64) string { return fmt.Sprintf("%s%016x", inodePrefix, ino) }

func dirPrefix(ino uint64) string { return fmt.Sprintf("%s%016x/", direntPrefix, ino) }

func direntKey(dir uint64, name string) string { return dirPrefix(dir) + name }

func blocksPrefix(ino uint64) string { return fmt.Sprintf("%s%016x/", blockPrefix, ino) }

func blockKey(ino uint64, index int64) string {
	return fmt.Sprintf("%s%016x", blocksPrefix(ino), index)
}

type superblock struct {
	Magic     uint32
	Version   uint32
	BlockSize uint32
	LastIno   uint64
	Salt      [16]byte

	// Check is a known value sealed with the passphrase, empty when the
	// file system is not sealed.
	Check []byte
}

type inode struct {
	Ino    uint64
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Nlink  uint32
	Rdev   uint64
	Size   uint64
	Atime  int64
	Mtime  int64
	Ctime  int64
	Target string
	Xattrs []xattr
}

type xattr struct {
	Name  string
	Value []byte
}

type dirent struct {
	Ino uint64
}

func (n *inode) isDir() bool { return n.Mode&fs.S_IFMT == fs.S_IFDIR }

func (n *inode) stat(blockSize uint32) *fs.Stat {
	st := fs.NewStat(n.Mode, n.Mode)
	st.Ino = n.Ino
	st.Nlink = n.Nlink
	st.Uid = n.Uid
	st.Gid = n.Gid
	st.Rdev = n.Rdev
	st.Size = n.Size
	st.Blksize = blockSize
	st.Blocks = (n.Size + 511) / 512
	st.Atime = time.Unix(0, n.Atime)
	st.Mtime = time.Unix(0, n.Mtime)
	st.Ctime = time.Unix(0, n.Ctime)
	return st
}

func (n *inode) getxattr(name string) []byte {
	for _, x := range n.Xattrs {
		if x.Name == name {
			return x.Value
		}
	}
	return nil
}

func (n *inode) setxattr(name string, value []byte) {
	for i := range n.Xattrs {
		if n.Xattrs[i].Name == name {
			n.Xattrs[i].Value = value
			return
		}
	}
	n.Xattrs = append(n.Xattrs, xattr{Name: name, Value: value})
}

func (n *inode) removexattr(name string) bool {
	for i, x := range n.Xattrs {
		if x.Name == name {
			n.Xattrs = append(n.Xattrs[:i], n.Xattrs[i+1:]...)
			return true
		}
	}
	return false
}

func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v interface{}) error {
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	return err
}

// childName returns the entry name of a key under dirPrefix.
func childName(key string) string {
	return key[strings.LastIndexByte(key, '/')+1:]
}
