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

// Package kvfs is a persistent file system kept in a key/value store.
// Inodes and directory entries are XDR records; file contents are cut
// into fixed size blocks, optionally sealed with a passphrase.
package kvfs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/log"
	"github.com/kurafs/fusekit/pkg/proquint"
	"github.com/kurafs/fusekit/pkg/store"
	"github.com/kurafs/fusekit/pkg/streaming"
)

type Options struct {
	// BlockSize is used when the store holds no file system yet.
	// Defaults to streaming.DefaultBlockSize.
	BlockSize int

	// Passphrase seals blocks. It must match the one the file system was
	// created with.
	Passphrase string

	Logger *log.Logger
}

// FS is the file system. Its methods are safe for concurrent use, but the
// store is assumed to have a single writer.
type FS struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time
	sealer *sealer

	mu      sync.Mutex
	super   superblock
	open    map[uint64]int
	orphans map[uint64]bool
}

// New opens the file system kept in s, creating it when s is empty.
func New(ctx context.Context, s store.Store, opts Options) (*FS, error) {
	if opts.Logger == nil {
		opts.Logger = log.Discarder()
	}
	f := &FS{
		store:   s,
		logger:  opts.Logger,
		now:     time.Now,
		open:    make(map[uint64]int),
		orphans: make(map[uint64]bool),
	}

	data, err := s.Get(ctx, superKey)
	switch {
	case err == store.ErrNotFound:
		if err := f.format(ctx, opts); err != nil {
			return nil, errors.Wrap(err, "kvfs: formatting")
		}
		return f, nil
	case err != nil:
		return nil, errors.Wrap(err, "kvfs: reading superblock")
	}

	if err := unmarshal(data, &f.super); err != nil {
		return nil, errors.Wrap(err, "kvfs: decoding superblock")
	}
	if f.super.Magic != magic || f.super.Version != version {
		return nil, errors.Errorf("kvfs: not a version %d file system (magic %#x, version %d)",
			version, f.super.Magic, f.super.Version)
	}
	if len(f.super.Check) == 0 {
		if opts.Passphrase != "" {
			return nil, ErrPassphrase
		}
		f.logger.Infof("kvfs: opened file system %s", f.ID())
		return f, nil
	}
	if opts.Passphrase == "" {
		return nil, ErrPassphrase
	}
	if f.sealer, err = newSealer(opts.Passphrase, f.super.Salt[:]); err != nil {
		return nil, err
	}
	if check, err := f.sealer.open(superKey, f.super.Check); err != nil || string(check) != string(checkValue) {
		return nil, ErrPassphrase
	}
	f.logger.Infof("kvfs: opened sealed file system %s", f.ID())
	return f, nil
}

func (f *FS) format(ctx context.Context, opts Options) error {
	bs := opts.BlockSize
	if bs <= 0 {
		bs = streaming.DefaultBlockSize
	}
	f.super = superblock{Magic: magic, Version: version, BlockSize: uint32(bs), LastIno: rootIno}
	if _, err := rand.Read(f.super.Salt[:]); err != nil {
		return err
	}
	if opts.Passphrase != "" {
		var err error
		if f.sealer, err = newSealer(opts.Passphrase, f.super.Salt[:]); err != nil {
			return err
		}
		if f.super.Check, err = f.sealer.seal(superKey, checkValue); err != nil {
			return err
		}
	}

	now := f.now().UnixNano()
	root := &inode{Ino: rootIno, Mode: fs.S_IFDIR | 0755, Nlink: 2, Atime: now, Mtime: now, Ctime: now}
	if err := f.putInode(ctx, root); err != nil {
		return err
	}
	if err := f.putSuper(ctx); err != nil {
		return err
	}
	f.logger.Infof("kvfs: created file system %s, block size %d, sealed %t", f.ID(), bs, f.sealer != nil)
	return nil
}

// BlockSize returns the size of the blocks file contents are cut into.
func (f *FS) BlockSize() int { return int(f.super.BlockSize) }

// ID names the file system. It is drawn at random when the file system
// is created.
func (f *FS) ID() string { return proquint.Uint64(f.fsid()) }

func (f *FS) fsid() uint64 { return binary.BigEndian.Uint64(f.super.Salt[:8]) }

// fail reports store failures to the kernel as EIO, keeping errnos.
func (f *FS) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno fuse.Errno
	if errors.As(err, &errno) {
		return errno
	}
	f.logger.Errorf("kvfs: %s: %v", op, err)
	return fs.Failed(syscall.EIO, errors.Wrap(err, op))
}

func (f *FS) putSuper(ctx context.Context) error {
	data, err := marshal(&f.super)
	if err != nil {
		return err
	}
	return f.store.Put(ctx, superKey, data)
}

func (f *FS) allocIno(ctx context.Context) (uint64, error) {
	f.super.LastIno++
	return f.super.LastIno, f.putSuper(ctx)
}

func (f *FS) getInode(ctx context.Context, ino uint64) (*inode, error) {
	data, err := f.store.Get(ctx, inodeKey(ino))
	if err == store.ErrNotFound {
		return nil, errors.Errorf("inode %d is missing", ino)
	}
	if err != nil {
		return nil, err
	}
	n := &inode{}
	if err := unmarshal(data, n); err != nil {
		return nil, errors.Wrapf(err, "decoding inode %d", ino)
	}
	return n, nil
}

func (f *FS) putInode(ctx context.Context, n *inode) error {
	data, err := marshal(n)
	if err != nil {
		return err
	}
	return f.store.Put(ctx, inodeKey(n.Ino), data)
}

func (f *FS) child(ctx context.Context, dir uint64, name string) (uint64, error) {
	data, err := f.store.Get(ctx, direntKey(dir, name))
	if err == store.ErrNotFound {
		return 0, fuse.ENOENT
	}
	if err != nil {
		return 0, err
	}
	var de dirent
	if err := unmarshal(data, &de); err != nil {
		return 0, errors.Wrapf(err, "decoding entry %s in %d", name, dir)
	}
	return de.Ino, nil
}

func (f *FS) putChild(ctx context.Context, dir uint64, name string, ino uint64) error {
	data, err := marshal(&dirent{Ino: ino})
	if err != nil {
		return err
	}
	return f.store.Put(ctx, direntKey(dir, name), data)
}

// children returns the entry names of dir, in order.
func (f *FS) children(ctx context.Context, dir uint64) ([]string, error) {
	keys, err := f.store.Keys(ctx, dirPrefix(dir))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = childName(key)
	}
	return names, nil
}

// resolve walks p from the root. Symbolic links are not followed.
func (f *FS) resolve(ctx context.Context, p string) (*inode, error) {
	n, err := f.getInode(ctx, rootIno)
	if err != nil {
		return nil, err
	}
	for _, name := range split(p) {
		if !n.isDir() {
			return nil, fuse.ENOTDIR
		}
		ino, err := f.child(ctx, n.Ino, name)
		if err != nil {
			return nil, err
		}
		if n, err = f.getInode(ctx, ino); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// resolveParent resolves the directory holding p, and p's last element.
func (f *FS) resolveParent(ctx context.Context, p string) (*inode, string, error) {
	names := split(p)
	if len(names) == 0 {
		return nil, "", fuse.EINVAL
	}
	dir, err := f.resolve(ctx, strings.Join(names[:len(names)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir() {
		return nil, "", fuse.ENOTDIR
	}
	return dir, names[len(names)-1], nil
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

// insert creates an inode with the given mode at p, which must not exist.
func (f *FS) insert(ctx context.Context, p string, mode uint32, target string) (*inode, error) {
	dir, name, err := f.resolveParent(ctx, p)
	if err != nil {
		return nil, err
	}
	if _, err := f.child(ctx, dir.Ino, name); err != fuse.ENOENT {
		if err == nil {
			return nil, fuse.EEXIST
		}
		return nil, err
	}

	ino, err := f.allocIno(ctx)
	if err != nil {
		return nil, err
	}
	c, _ := fs.CallerFrom(ctx)
	now := f.now().UnixNano()
	n := &inode{
		Ino: ino, Mode: mode, Uid: c.Uid, Gid: c.Gid, Nlink: 1, Target: target,
		Atime: now, Mtime: now, Ctime: now,
	}
	if n.isDir() {
		n.Nlink = 2
		dir.Nlink++
	}
	if n.Mode&fs.S_IFMT == fs.S_IFLNK {
		n.Size = uint64(len(target))
	}
	if err := f.putInode(ctx, n); err != nil {
		return nil, err
	}
	if err := f.putChild(ctx, dir.Ino, name, ino); err != nil {
		return nil, err
	}
	dir.Mtime, dir.Ctime = now, now
	return n, f.putInode(ctx, dir)
}

// drop removes one link to n, deleting it when none remain and it is not
// open.
func (f *FS) drop(ctx context.Context, n *inode) error {
	n.Nlink--
	if n.isDir() {
		n.Nlink = 0
	}
	n.Ctime = f.now().UnixNano()
	if n.Nlink > 0 {
		return f.putInode(ctx, n)
	}
	if f.open[n.Ino] > 0 {
		f.orphans[n.Ino] = true
		return f.putInode(ctx, n)
	}
	return f.delete(ctx, n.Ino)
}

func (f *FS) delete(ctx context.Context, ino uint64) error {
	if err := f.truncateBlocks(ctx, ino, 0); err != nil {
		return err
	}
	delete(f.orphans, ino)
	return f.store.Delete(ctx, inodeKey(ino))
}

// truncateBlocks deletes the blocks holding data at or past size and
// trims the last one kept.
func (f *FS) truncateBlocks(ctx context.Context, ino uint64, size uint64) error {
	keys, err := f.store.Keys(ctx, blocksPrefix(ino))
	if err != nil {
		return err
	}
	bs := uint64(f.super.BlockSize)
	keep := streaming.Blocks(int64(size), int(bs))
	for _, key := range keys {
		index, err := strconv.ParseInt(childName(key), 16, 64)
		if err != nil {
			return errors.Wrapf(err, "bad block key %s", key)
		}
		if index < keep {
			continue
		}
		if err := f.store.Delete(ctx, key); err != nil {
			return err
		}
	}

	if tail := int(size % bs); tail != 0 {
		key := blockKey(ino, keep-1)
		block, err := f.readBlock(ctx, key)
		if err != nil || len(block) <= tail {
			return err
		}
		return f.writeBlock(ctx, key, block[:tail])
	}
	return nil
}

func (f *FS) readBlock(ctx context.Context, key string) ([]byte, error) {
	data, err := f.store.Get(ctx, key)
	if err == store.ErrNotFound {
		// A hole.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	block, err := f.sealer.open(key, data)
	return block, errors.Wrapf(err, "opening block %s", key)
}

func (f *FS) writeBlock(ctx context.Context, key string, block []byte) error {
	data, err := f.sealer.seal(key, block)
	if err != nil {
		return err
	}
	return f.store.Put(ctx, key, data)
}

func (f *FS) readAt(ctx context.Context, n *inode, size int, off int64) ([]byte, error) {
	if off >= int64(n.Size) {
		return nil, nil
	}
	if rest := int64(n.Size) - off; int64(size) > rest {
		size = int(rest)
	}
	buf := make([]byte, size)
	c := streaming.NewChunker(off, size, int(f.super.BlockSize))
	for c.Next() {
		ch := c.Value()
		block, err := f.readBlock(ctx, blockKey(n.Ino, ch.Block))
		if err != nil {
			return nil, err
		}
		if ch.Off < len(block) {
			copy(buf[ch.Pos:ch.Pos+ch.Len], block[ch.Off:])
		}
	}
	return buf, nil
}

func (f *FS) writeAt(ctx context.Context, n *inode, data []byte, off int64) error {
	bs := int(f.super.BlockSize)
	c := streaming.NewChunker(off, len(data), bs)
	for c.Next() {
		ch := c.Value()
		key := blockKey(n.Ino, ch.Block)

		var block []byte
		if ch.Len < bs {
			var err error
			if block, err = f.readBlock(ctx, key); err != nil {
				return err
			}
		}
		if end := ch.Off + ch.Len; len(block) < end {
			block = append(block, make([]byte, end-len(block))...)
		}
		copy(block[ch.Off:], data[ch.Pos:ch.Pos+ch.Len])
		if err := f.writeBlock(ctx, key, block); err != nil {
			return err
		}
	}
	if end := uint64(off) + uint64(len(data)); end > n.Size {
		n.Size = end
	}
	n.Mtime = f.now().UnixNano()
	n.Ctime = n.Mtime
	return f.putInode(ctx, n)
}
