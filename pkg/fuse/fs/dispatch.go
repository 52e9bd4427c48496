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
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// serve answers one request. Every request is answered exactly once,
// either by handleRequest or with the errno its error maps to.
func (s *Server) serve(r fuse.Request) {
	ctx := withCaller(context.Background(), r.Hdr())
	if err := s.handleRequest(ctx, r); err != nil {
		s.fail(opName(r), r, err)
	}
}

// fail answers r with the errno err maps to. Failures without an errno
// of their own are logged, unless tracing already did.
func (s *Server) fail(op string, r fuse.Request, err error) {
	errno, ok := classify(err)
	if !ok && !s.trace.Load() {
		s.logger.Errorf("%s: %v", op, err)
	}
	r.RespondError(errno)
}

// call runs one file system operation, tracing it when asked to,
// recovering panics and reporting it to the recorder.
func (s *Server) call(op string, args []interface{}, fn func() error) (err error) {
	trace := s.trace.Load()
	if trace {
		s.logger.Infof("==> %s(%s)", op, formatArgs(args))
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			s.logger.Errorf("%s: panic: %v\n%s", op, rec, stack)
			err = &panicError{value: rec, stack: stack}
		}
		var errno fuse.Errno
		if err != nil {
			errno, _ = classify(err)
		}
		s.recorder.Operation(op, time.Since(start), errno)
		if trace {
			if err != nil {
				s.logger.Infof("<== %s() = %v", op, err)
			} else {
				s.logger.Infof("<== %s()", op)
			}
		}
	}()
	return fn()
}

func formatArgs(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			parts[i] = fmt.Sprintf("%q", v)
		case []byte:
			parts[i] = fmt.Sprintf("[%d bytes]", len(v))
		case *FileInfo:
			if v == nil {
				parts[i] = "nil"
			} else {
				parts[i] = fmt.Sprintf("fh=%v", v.id)
			}
		case *int64:
			if v == nil {
				parts[i] = "nil"
			} else {
				parts[i] = fmt.Sprint(*v)
			}
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, ", ")
}

func opName(r fuse.Request) string {
	switch r := r.(type) {
	case *fuse.InitRequest:
		return "init"
	case *fuse.DestroyRequest:
		return "destroy"
	case *fuse.StatfsRequest:
		return "statfs"
	case *fuse.GetattrRequest:
		return "getattr"
	case *fuse.LookupRequest:
		return "lookup"
	case *fuse.ForgetRequest, *fuse.BatchForgetRequest:
		return "forget"
	case *fuse.SetattrRequest:
		return "setattr"
	case *fuse.ReadlinkRequest:
		return "readlink"
	case *fuse.MknodRequest:
		return "mknod"
	case *fuse.MkdirRequest:
		return "mkdir"
	case *fuse.RemoveRequest:
		if r.Dir {
			return "rmdir"
		}
		return "unlink"
	case *fuse.SymlinkRequest:
		return "symlink"
	case *fuse.RenameRequest:
		return "rename"
	case *fuse.LinkRequest:
		return "link"
	case *fuse.OpenRequest:
		if r.Dir {
			return "opendir"
		}
		return "open"
	case *fuse.CreateRequest:
		return "create"
	case *fuse.ReadRequest:
		if r.Dir {
			return "readdir"
		}
		return "read"
	case *fuse.WriteRequest:
		return "write"
	case *fuse.FlushRequest:
		return "flush"
	case *fuse.ReleaseRequest:
		if r.Dir {
			return "releasedir"
		}
		return "release"
	case *fuse.FsyncRequest:
		if r.Dir {
			return "fsyncdir"
		}
		return "fsync"
	case *fuse.SetxattrRequest:
		return "setxattr"
	case *fuse.GetxattrRequest:
		return "getxattr"
	case *fuse.ListxattrRequest:
		return "listxattr"
	case *fuse.RemovexattrRequest:
		return "removexattr"
	case *fuse.AccessRequest:
		return "access"
	case *fuse.InterruptRequest:
		return "interrupt"
	case *fuse.LockRequest:
		return "lock"
	case *fuse.BmapRequest:
		return "bmap"
	case *fuse.IoctlRequest:
		return "ioctl"
	case *fuse.PollRequest:
		return "poll"
	}
	return fmt.Sprintf("opcode(%d)", r.Hdr().Opcode)
}

func (s *Server) handle(id fuse.HandleID) (*FileInfo, error) {
	fi, ok := s.handles.Get(id)
	if !ok {
		return nil, fuse.EBADF
	}
	return fi, nil
}

// getattr prefers Fgetattr when there is an open handle.
func (s *Server) getattr(ctx context.Context, path string, fi *FileInfo) (st *Stat, err error) {
	switch {
	case fi != nil && s.caps.fgetattr != nil:
		err = s.call("fgetattr", []interface{}{path, fi}, func() (err error) {
			st, err = s.caps.fgetattr.Fgetattr(ctx, path, fi)
			return err
		})
	case s.caps.getattr != nil:
		err = s.call("getattr", []interface{}{path}, func() (err error) {
			st, err = s.caps.getattr.Getattr(ctx, path)
			return err
		})
	default:
		return nil, ErrNotSupported
	}
	if err == nil && st == nil {
		err = fuse.EIO
	}
	return st, err
}

// entry looks name up after it was created, or on behalf of the kernel.
func (s *Server) entry(ctx context.Context, parent fuse.NodeID, name, path string, fi *FileInfo) (*fuse.LookupResponse, error) {
	st, err := s.getattr(ctx, path, fi)
	if err != nil {
		return nil, err
	}
	id, gen, err := s.nodes.lookup(parent, name)
	if err != nil {
		return nil, err
	}
	return &fuse.LookupResponse{
		Node:       id,
		Generation: gen,
		EntryValid: s.entryValid,
		Attr:       st.attr(id, s.attrValid),
	}, nil
}

func (s *Server) handleRequest(ctx context.Context, r fuse.Request) error {
	switch r := r.(type) {
	default:
		return ErrNotSupported

	case *fuse.InitRequest:
		info := ConnInfo{
			Kernel:       r.Kernel,
			Library:      s.conn.Protocol(),
			MaxReadahead: r.MaxReadahead,
			MaxWrite:     fuse.MaxWrite,
			Flags:        r.Flags & fuse.InitBigWrites,
		}
		if err := s.initialize(ctx, info); err != nil {
			return err
		}
		r.Respond(&fuse.InitResponse{
			Library:      info.Library,
			MaxReadahead: info.MaxReadahead,
			Flags:        info.Flags,
			MaxWrite:     info.MaxWrite,
		})
		return nil

	case *fuse.DestroyRequest:
		s.destroy(ctx)
		r.Respond()
		return nil

	case *fuse.InterruptRequest:
		// Requests are answered before the next one is read, so there
		// is never anything left to interrupt.
		r.Respond()
		return nil

	case *fuse.ForgetRequest:
		s.nodes.forget(r.Node, r.N)
		r.Respond()
		return nil

	case *fuse.BatchForgetRequest:
		for _, f := range r.Forget {
			s.nodes.forget(f.NodeID, f.N)
		}
		r.Respond()
		return nil

	case *fuse.StatfsRequest:
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		st := defaultStatVFS()
		if s.caps.statfs != nil {
			var got *StatVFS
			err := s.call("statfs", []interface{}{path}, func() (err error) {
				got, err = s.caps.statfs.Statfs(ctx, path)
				return err
			})
			if err != nil {
				return err
			}
			if got != nil {
				st = got
			}
		}
		r.Respond(st.response())
		return nil

	case *fuse.GetattrRequest:
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		var fi *FileInfo
		if r.Flags&fuse.GetattrFh != 0 {
			fi, _ = s.handles.Get(r.Handle)
		}
		st, err := s.getattr(ctx, path, fi)
		if err != nil {
			return err
		}
		r.Respond(&fuse.GetattrResponse{Attr: st.attr(r.Node, s.attrValid)})
		return nil

	case *fuse.LookupRequest:
		path, err := s.nodes.child(r.Node, r.Name)
		if err != nil {
			return err
		}
		e, err := s.entry(ctx, r.Node, r.Name, path, nil)
		if err != nil {
			return err
		}
		r.Respond(e)
		return nil

	case *fuse.SetattrRequest:
		return s.setattr(ctx, r)

	case *fuse.ReadlinkRequest:
		if s.caps.readlink == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		var target string
		err = s.call("readlink", []interface{}{path, pathMax}, func() (err error) {
			target, err = s.caps.readlink.Readlink(ctx, path, pathMax)
			return err
		})
		if err != nil {
			return err
		}
		if target, err = readlinkResult(target, pathMax); err != nil {
			return err
		}
		r.Respond(target)
		return nil

	case *fuse.MknodRequest:
		if s.caps.mknod == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.child(r.Node, r.Name)
		if err != nil {
			return err
		}
		major, minor := splitDev(r.Rdev)
		err = s.call("mknod", []interface{}{path, r.Mode, major, minor}, func() error {
			return s.caps.mknod.Mknod(ctx, path, r.Mode, major, minor)
		})
		if err != nil {
			return err
		}
		e, err := s.entry(ctx, r.Node, r.Name, path, nil)
		if err != nil {
			return err
		}
		r.Respond(e)
		return nil

	case *fuse.MkdirRequest:
		if s.caps.mkdir == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.child(r.Node, r.Name)
		if err != nil {
			return err
		}
		err = s.call("mkdir", []interface{}{path, r.Mode}, func() error {
			return s.caps.mkdir.Mkdir(ctx, path, r.Mode)
		})
		if err != nil {
			return err
		}
		e, err := s.entry(ctx, r.Node, r.Name, path, nil)
		if err != nil {
			return err
		}
		r.Respond(&fuse.MkdirResponse{LookupResponse: *e})
		return nil

	case *fuse.RemoveRequest:
		path, err := s.nodes.child(r.Node, r.Name)
		if err != nil {
			return err
		}
		if r.Dir {
			if s.caps.rmdir == nil {
				return ErrNotSupported
			}
			err = s.call("rmdir", []interface{}{path}, func() error {
				return s.caps.rmdir.Rmdir(ctx, path)
			})
		} else {
			if s.caps.unlink == nil {
				return ErrNotSupported
			}
			err = s.call("unlink", []interface{}{path}, func() error {
				return s.caps.unlink.Unlink(ctx, path)
			})
		}
		if err != nil {
			return err
		}
		s.nodes.remove(r.Node, r.Name)
		r.Respond()
		return nil

	case *fuse.SymlinkRequest:
		if s.caps.symlink == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.child(r.Node, r.NewName)
		if err != nil {
			return err
		}
		err = s.call("symlink", []interface{}{r.Target, path}, func() error {
			return s.caps.symlink.Symlink(ctx, r.Target, path)
		})
		if err != nil {
			return err
		}
		e, err := s.entry(ctx, r.Node, r.NewName, path, nil)
		if err != nil {
			return err
		}
		r.Respond(&fuse.SymlinkResponse{LookupResponse: *e})
		return nil

	case *fuse.RenameRequest:
		if s.caps.rename == nil {
			return ErrNotSupported
		}
		from, err := s.nodes.child(r.Node, r.OldName)
		if err != nil {
			return err
		}
		to, err := s.nodes.child(r.NewDir, r.NewName)
		if err != nil {
			return err
		}
		err = s.call("rename", []interface{}{from, to}, func() error {
			return s.caps.rename.Rename(ctx, from, to)
		})
		if err != nil {
			return err
		}
		s.nodes.rename(r.Node, r.OldName, r.NewDir, r.NewName)
		r.Respond()
		return nil

	case *fuse.LinkRequest:
		if s.caps.link == nil {
			return ErrNotSupported
		}
		from, err := s.nodes.path(r.OldNode)
		if err != nil {
			return err
		}
		to, err := s.nodes.child(r.Node, r.NewName)
		if err != nil {
			return err
		}
		err = s.call("link", []interface{}{from, to}, func() error {
			return s.caps.link.Link(ctx, from, to)
		})
		if err != nil {
			return err
		}
		e, err := s.entry(ctx, r.Node, r.NewName, to, nil)
		if err != nil {
			return err
		}
		r.Respond(e)
		return nil

	case *fuse.OpenRequest:
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi := &FileInfo{Flags: uint32(r.Flags)}
		if r.Dir {
			fi.dir = &dirBuffer{}
			if s.caps.opendir != nil {
				err = s.call("opendir", []interface{}{path, fi}, func() error {
					return s.caps.opendir.Opendir(ctx, path, fi)
				})
			}
		} else if s.caps.open != nil {
			err = s.call("open", []interface{}{path, fi}, func() error {
				return s.caps.open.Open(ctx, path, fi)
			})
		}
		if err != nil {
			return err
		}
		id := s.handles.Store(fi)
		r.Respond(&fuse.OpenResponse{Handle: id, Flags: fi.openFlags()})
		return nil

	case *fuse.CreateRequest:
		return s.create(ctx, r)

	case *fuse.ReadRequest:
		if r.Dir {
			return s.readdir(ctx, r)
		}
		if s.caps.read == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi, err := s.handle(r.Handle)
		if err != nil {
			return err
		}
		if r.Flags&fuse.ReadLockOwner != 0 {
			fi.LockOwner = r.LockOwner
		}
		var data []byte
		err = s.call("read", []interface{}{path, r.Size, r.Offset, fi}, func() (err error) {
			data, err = s.caps.read.Read(ctx, path, r.Size, r.Offset, fi)
			return err
		})
		if err != nil {
			return err
		}
		if data, err = readResult(data, r.Size); err != nil {
			return err
		}
		r.Respond(&fuse.ReadResponse{Data: data})
		return nil

	case *fuse.WriteRequest:
		if s.caps.write == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi, err := s.handle(r.Handle)
		if err != nil {
			return err
		}
		fi.Writepage = r.Flags&fuse.WriteCache != 0
		if r.Flags&fuse.WriteLockOwner != 0 {
			fi.LockOwner = r.LockOwner
		}
		var n int
		err = s.call("write", []interface{}{path, r.Data, r.Offset, fi}, func() (err error) {
			n, err = s.caps.write.Write(ctx, path, r.Data, r.Offset, fi)
			return err
		})
		if err != nil {
			return err
		}
		if err := writeResult(n, len(r.Data)); err != nil {
			return err
		}
		r.Respond(&fuse.WriteResponse{Size: n})
		return nil

	case *fuse.FlushRequest:
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi, err := s.handle(r.Handle)
		if err != nil {
			return err
		}
		fi.LockOwner = r.LockOwner
		if s.caps.flush != nil {
			err = s.call("flush", []interface{}{path, fi}, func() error {
				return s.caps.flush.Flush(ctx, path, fi)
			})
			if err != nil {
				return err
			}
		}
		r.Respond()
		return nil

	case *fuse.ReleaseRequest:
		return s.release(ctx, r)

	case *fuse.FsyncRequest:
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi, _ := s.handles.Get(r.Handle)
		datasync := r.Datasync()
		switch {
		case r.Dir && s.caps.fsyncdir != nil:
			err = s.call("fsyncdir", []interface{}{path, datasync, fi}, func() error {
				return s.caps.fsyncdir.Fsyncdir(ctx, path, datasync, fi)
			})
		case !r.Dir && s.caps.fsync != nil:
			err = s.call("fsync", []interface{}{path, datasync, fi}, func() error {
				return s.caps.fsync.Fsync(ctx, path, datasync, fi)
			})
		}
		if err != nil {
			return err
		}
		r.Respond()
		return nil

	case *fuse.SetxattrRequest:
		if s.caps.setxattr == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		err = s.call("setxattr", []interface{}{path, r.Name, r.Xattr, r.Flags}, func() error {
			return s.caps.setxattr.Setxattr(ctx, path, r.Name, r.Xattr, r.Flags)
		})
		if err != nil {
			return err
		}
		r.Respond()
		return nil

	case *fuse.GetxattrRequest:
		if s.caps.getxattr == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		var value []byte
		err = s.call("getxattr", []interface{}{path, r.Name}, func() (err error) {
			value, err = s.caps.getxattr.Getxattr(ctx, path, r.Name)
			return err
		})
		if err != nil {
			return err
		}
		if value, err = xattrResult(value, r.Size); err != nil {
			return err
		}
		r.Respond(&fuse.GetxattrResponse{Xattr: value})
		return nil

	case *fuse.ListxattrRequest:
		if s.caps.listxattr == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		var names []string
		err = s.call("listxattr", []interface{}{path}, func() (err error) {
			names, err = s.caps.listxattr.Listxattr(ctx, path)
			return err
		})
		if err != nil {
			return err
		}
		buf, err := listxattrResult(names, r.Size)
		if err != nil {
			return err
		}
		r.Respond(&fuse.ListxattrResponse{Xattr: buf})
		return nil

	case *fuse.RemovexattrRequest:
		if s.caps.removexattr == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		err = s.call("removexattr", []interface{}{path, r.Name}, func() error {
			return s.caps.removexattr.Removexattr(ctx, path, r.Name)
		})
		if err != nil {
			return err
		}
		r.Respond()
		return nil

	case *fuse.AccessRequest:
		if s.caps.access == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		err = s.call("access", []interface{}{path, r.Mask}, func() error {
			return s.caps.access.Access(ctx, path, r.Mask)
		})
		if err != nil {
			return err
		}
		r.Respond()
		return nil

	case *fuse.LockRequest:
		return s.lock(ctx, r)

	case *fuse.BmapRequest:
		if s.caps.bmap == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		var block uint64
		err = s.call("bmap", []interface{}{path, r.BlockSize, r.Block}, func() (err error) {
			block, err = s.caps.bmap.Bmap(ctx, path, r.BlockSize, r.Block)
			return err
		})
		if err != nil {
			return err
		}
		r.Respond(block)
		return nil

	case *fuse.IoctlRequest:
		if s.caps.ioctl == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi, err := s.handle(r.Handle)
		if err != nil {
			return err
		}
		var out []byte
		err = s.call("ioctl", []interface{}{path, r.Cmd, r.Arg, r.In, fi}, func() (err error) {
			out, err = s.caps.ioctl.Ioctl(ctx, path, r.Cmd, r.Arg, r.In, fi)
			return err
		})
		if err != nil {
			return err
		}
		if len(out) > int(r.OutSize) {
			return ErrBufferTooSmall
		}
		r.Respond(0, out)
		return nil

	case *fuse.PollRequest:
		if s.caps.poll == nil {
			return ErrNotSupported
		}
		path, err := s.nodes.path(r.Node)
		if err != nil {
			return err
		}
		fi, err := s.handle(r.Handle)
		if err != nil {
			return err
		}
		var ph *PollHandle
		if r.Flags&fuse.PollScheduleNotify != 0 {
			ph = &PollHandle{conn: s.conn, kh: r.KernelHandle}
		}
		var revents uint32
		err = s.call("poll", []interface{}{path, r.Events, fi}, func() (err error) {
			revents, err = s.caps.poll.Poll(ctx, path, ph, r.Events, fi)
			return err
		})
		if err != nil {
			return err
		}
		r.Respond(revents)
		return nil
	}
}

// setattr applies the requested changes one operation at a time and
// answers with the resulting attributes.
func (s *Server) setattr(ctx context.Context, r *fuse.SetattrRequest) error {
	path, err := s.nodes.path(r.Node)
	if err != nil {
		return err
	}
	var fi *FileInfo
	if r.Valid.Handle() {
		fi, _ = s.handles.Get(r.Handle)
	}

	if r.Valid.Mode() {
		if s.caps.chmod == nil {
			return ErrNotSupported
		}
		err := s.call("chmod", []interface{}{path, r.Mode}, func() error {
			return s.caps.chmod.Chmod(ctx, path, r.Mode)
		})
		if err != nil {
			return err
		}
	}

	if r.Valid.Uid() || r.Valid.Gid() {
		if s.caps.chown == nil {
			return ErrNotSupported
		}
		uid, gid := ^uint32(0), ^uint32(0)
		if r.Valid.Uid() {
			uid = r.Uid
		}
		if r.Valid.Gid() {
			gid = r.Gid
		}
		err := s.call("chown", []interface{}{path, uid, gid}, func() error {
			return s.caps.chown.Chown(ctx, path, uid, gid)
		})
		if err != nil {
			return err
		}
	}

	if r.Valid.Size() {
		size := int64(r.Size)
		switch {
		case fi != nil && s.caps.ftruncate != nil:
			err = s.call("ftruncate", []interface{}{path, size, fi}, func() error {
				return s.caps.ftruncate.Ftruncate(ctx, path, size, fi)
			})
		case s.caps.truncate != nil:
			err = s.call("truncate", []interface{}{path, size}, func() error {
				return s.caps.truncate.Truncate(ctx, path, size)
			})
		default:
			err = ErrNotSupported
		}
		if err != nil {
			return err
		}
	}

	if r.Valid.Atime() || r.Valid.Mtime() || r.Valid.AtimeNow() || r.Valid.MtimeNow() {
		if s.caps.utimens == nil {
			return ErrNotSupported
		}
		atime, mtime := utimensTimes(r, time.Now())
		err := s.call("utimens", []interface{}{path, atime, mtime}, func() error {
			return s.caps.utimens.Utimens(ctx, path, atime, mtime)
		})
		if err != nil {
			return err
		}
	}

	st, err := s.getattr(ctx, path, fi)
	if err != nil {
		return err
	}
	r.Respond(&fuse.SetattrResponse{Attr: st.attr(r.Node, s.attrValid)})
	return nil
}

func (s *Server) create(ctx context.Context, r *fuse.CreateRequest) error {
	if s.caps.create == nil {
		return ErrNotSupported
	}
	path, err := s.nodes.child(r.Node, r.Name)
	if err != nil {
		return err
	}
	fi := &FileInfo{Flags: uint32(r.Flags)}
	err = s.call("create", []interface{}{path, r.Mode, fi}, func() error {
		return s.caps.create.Create(ctx, path, r.Mode, fi)
	})
	if err != nil {
		return err
	}
	id := s.handles.Store(fi)
	e, err := s.entry(ctx, r.Node, r.Name, path, fi)
	if err != nil {
		s.handles.Release(id)
		if s.caps.release != nil {
			rerr := s.call("release", []interface{}{path, fi}, func() error {
				return s.caps.release.Release(ctx, path, fi)
			})
			if rerr != nil {
				s.logger.Errorf("release after failed create of %s: %v", path, rerr)
			}
		}
		return err
	}
	r.Respond(&fuse.CreateResponse{
		LookupResponse: *e,
		OpenResponse:   fuse.OpenResponse{Handle: id, Flags: fi.openFlags()},
	})
	return nil
}

// release always drops the handle, whatever the file system answers.
func (s *Server) release(ctx context.Context, r *fuse.ReleaseRequest) error {
	fi, err := s.handle(r.Handle)
	if err != nil {
		return err
	}
	defer s.handles.Release(r.Handle)

	path, err := s.nodes.path(r.Node)
	if err != nil {
		return err
	}
	fi.Flush = r.ReleaseFlags&fuse.ReleaseFlush != 0
	fi.LockOwner = r.LockOwner
	switch {
	case r.Dir && s.caps.releasedir != nil:
		err = s.call("releasedir", []interface{}{path, fi}, func() error {
			return s.caps.releasedir.Releasedir(ctx, path, fi)
		})
	case !r.Dir && s.caps.release != nil:
		err = s.call("release", []interface{}{path, fi}, func() error {
			return s.caps.release.Release(ctx, path, fi)
		})
	}
	if err != nil {
		return err
	}
	r.Respond()
	return nil
}

// readdir serves a directory listing. File systems pushing offsets are
// asked again for every reply; the others are asked once per rewind and
// served from the open directory's buffer.
func (s *Server) readdir(ctx context.Context, r *fuse.ReadRequest) error {
	if s.caps.readdir == nil {
		return ErrNotSupported
	}
	path, err := s.nodes.path(r.Node)
	if err != nil {
		return err
	}
	fi, err := s.handle(r.Handle)
	if err != nil {
		return err
	}
	if fi.dir == nil {
		fi.dir = &dirBuffer{}
	}
	d := fi.dir

	if r.Offset == 0 || !d.filled {
		d.reset()
		fill := newDirFiller(r.Size, d)
		err = s.call("readdir", []interface{}{path, r.Offset, fi}, func() error {
			return s.caps.readdir.Readdir(ctx, path, fill, r.Offset, fi)
		})
		if err != nil {
			d.reset()
			return err
		}
		if fill.offsets {
			d.reset()
			r.Respond(&fuse.ReadResponse{Data: fill.buf})
			return nil
		}
		d.filled = true
	}
	r.Respond(&fuse.ReadResponse{Data: d.slice(r.Offset, r.Size)})
	return nil
}

func (s *Server) lock(ctx context.Context, r *fuse.LockRequest) error {
	if s.caps.lock == nil {
		return ErrNotSupported
	}
	path, err := s.nodes.path(r.Node)
	if err != nil {
		return err
	}
	fi, err := s.handle(r.Handle)
	if err != nil {
		return err
	}
	fi.LockOwner = r.Owner

	cmd := unix.F_SETLK
	switch {
	case r.Get:
		cmd = unix.F_GETLK
	case r.Wait:
		cmd = unix.F_SETLKW
	}
	lk := flockOf(r.Lock)
	err = s.call("lock", []interface{}{path, fi, cmd, *lk}, func() error {
		return s.caps.lock.Lock(ctx, path, fi, cmd, lk)
	})
	if err != nil {
		return err
	}
	if r.Get {
		r.RespondLock(lk.fileLock())
		return nil
	}
	r.Respond()
	return nil
}
