// See the file LICENSE for copyright and licensing information.

// Adapted from Plan 9 from User Space's src/cmd/9pfuse/fuse.c,
// which carries this notice:
//
// The files in this directory are subject to the following license.
//
// The author of this software is Russ Cox.
//
//         Copyright (c) 2006 Russ Cox
//
// Permission to use, copy, modify, and distribute this software for any
// purpose without fee is hereby granted, provided that this entire notice
// is included in all copies of any software which is or includes a copy
// or modification of this software and in all copies of the supporting
// documentation for such software.
//
// THIS SOFTWARE IS BEING PROVIDED "AS IS", WITHOUT ANY EXPRESS OR IMPLIED
// WARRANTY.  IN PARTICULAR, THE AUTHOR MAKES NO REPRESENTATION OR WARRANTY
// OF ANY KIND CONCERNING THE MERCHANTABILITY OF THIS SOFTWARE OR ITS
// FITNESS FOR ANY PARTICULAR PURPOSE.

// Package fuse speaks the Linux FUSE kernel protocol.
//
// It mounts a directory through the fusermount helper, reads one request
// at a time from the resulting /dev/fuse channel with Conn.ReadRequest, and
// writes replies through the typed Respond methods on each request. The
// protocol version is fixed at 7.12.
//
// Most users do not speak the message protocol directly. Package
// github.com/kurafs/fusekit/pkg/fuse/fs adapts a path based file system
// implementation onto a Conn and drives the request loop.
//
// # Errors
//
// The FUSE interface can only communicate POSIX errno error numbers to
// file system clients, the message is not visible to file system
// clients. An error passed to RespondError can implement ErrorNumber to
// control the errno returned. Without ErrorNumber, a generic errno (EIO)
// is returned.
//
// # Authentication
//
// All requests types embed a Header, meaning that the method can
// inspect req.Pid, req.Uid, and req.Gid as necessary to implement
// permission checking. The kernel FUSE layer normally prevents other
// users from accessing the FUSE file system (to change this, see
// AllowOther, AllowRoot), but does not enforce access modes (to
// change this, see DefaultPermissions).
//
// # Mount Options
//
// Behavior and metadata of the mounted file system can be changed by
// passing MountOption values to Mount.
package fuse
