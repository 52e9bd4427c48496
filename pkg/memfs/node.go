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
	"path"
	"strings"
	"time"

	"github.com/google/btree"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
)

// node is a file, directory or other object of the tree. Hard links share
// one node.
type node struct {
	ino   uint64
	mode  uint32
	uid   uint32
	gid   uint32
	nlink uint32
	rdev  uint64
	atime time.Time
	mtime time.Time
	ctime time.Time
	xattr map[string][]byte

	data     []byte      // regular files
	target   string      // symbolic links
	children *btree.BTree // directories, of *dirent
}

// dirent names a node within its directory.
type dirent struct {
	name string
	node *node
}

func (d *dirent) Less(than btree.Item) bool { return d.name < than.(*dirent).name }

func (n *node) isDir() bool { return n.mode&fs.S_IFMT == fs.S_IFDIR }

func (n *node) stat() *fs.Stat {
	st := fs.NewStat(n.mode, n.mode)
	st.Ino = n.ino
	st.Nlink = n.nlink
	st.Uid = n.uid
	st.Gid = n.gid
	st.Rdev = n.rdev
	st.Blksize = blockSize
	st.Atime = n.atime
	st.Mtime = n.mtime
	st.Ctime = n.ctime
	switch n.mode & fs.S_IFMT {
	case fs.S_IFREG:
		st.Size = uint64(len(n.data))
	case fs.S_IFLNK:
		st.Size = uint64(len(n.target))
	case fs.S_IFDIR:
		st.Size = blockSize
	}
	st.Blocks = (st.Size + 511) / 512
	return st
}

func (n *node) child(name string) *node {
	it := n.children.Get(&dirent{name: name})
	if it == nil {
		return nil
	}
	return it.(*dirent).node
}

func (n *node) link(name string, c *node) {
	n.children.ReplaceOrInsert(&dirent{name: name, node: c})
	c.nlink++
	if c.isDir() {
		n.nlink++
	}
}

func (n *node) unlink(name string) {
	it := n.children.Delete(&dirent{name: name})
	if it == nil {
		return
	}
	c := it.(*dirent).node
	c.nlink--
	if c.isDir() {
		n.nlink--
		// Its own "." entry.
		c.nlink--
	}
}

// walk resolves an absolute path from root. Symbolic links are not
// followed; the kernel resolves them.
func walk(root *node, p string) (*node, error) {
	n := root
	for _, name := range split(p) {
		if !n.isDir() {
			return nil, fuse.ENOTDIR
		}
		if n = n.child(name); n == nil {
			return nil, fuse.ENOENT
		}
	}
	return n, nil
}

// parent resolves the directory holding p, and p's last element.
func parent(root *node, p string) (*node, string, error) {
	dir, name := path.Split(path.Clean(p))
	if name == "" || name == "/" {
		return nil, "", fuse.EINVAL
	}
	d, err := walk(root, dir)
	if err != nil {
		return nil, "", err
	}
	if !d.isDir() {
		return nil, "", fuse.ENOTDIR
	}
	return d, name, nil
}

func split(p string) []string {
	var names []string
	for _, name := range strings.Split(p, "/") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
