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

	"github.com/kurafs/fusekit/pkg/fuse"
)

var (
	// ErrAlreadyRunning is returned by Loop when the server is already
	// looping.
	ErrAlreadyRunning = errors.New("fs: already running")

	// ErrNotMounted is returned by Loop and Run when the server has no
	// mounted connection.
	ErrNotMounted = errors.New("fs: not mounted")

	// ErrBufferTooSmall is reported to the kernel when a result does not
	// fit the caller's buffer.
	ErrBufferTooSmall error = fuse.ERANGE

	// ErrNotSupported is reported to the kernel for operations the file
	// system does not implement.
	ErrNotSupported error = fuse.ENOSYS
)

// DefaultErrno is reported for failures that carry no error number.
const DefaultErrno = fuse.ENOENT

// A TransportError stops the loop when the kernel channel fails. It is
// the usual outcome of the file system being unmounted from outside.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fs: transport error during %s", e.Op)
	}
	return fmt.Sprintf("fs: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// A MountError is returned when a directory could not be mounted.
type MountError struct {
	Dir string
	Err error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("fs: mounting %s: %v", e.Dir, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// A SignalError is returned by Loop when a signal handler fails.
type SignalError struct {
	Signal string
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("fs: signal handler SIG%s: %v", e.Signal, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

// An OperationError attaches an error number to an application failure.
type OperationError struct {
	Code fuse.Errno
	Err  error
}

var _ fuse.ErrorNumber = (*OperationError)(nil)

// Failed wraps err so that it is reported to the kernel as errno.
func Failed(errno syscall.Errno, err error) error {
	return &OperationError{Code: fuse.Errno(errno), Err: err}
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return e.Code.Error()
	}
	return fmt.Sprintf("%v: %v", e.Err, e.Code.ErrnoName())
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Errno() fuse.Errno { return e.Code }

// panicError carries a recovered panic out of an operation.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) Errno() fuse.Errno { return fuse.EIO }

// classify maps err onto an error number. The second result is false for
// failures that carry no classification of their own.
func classify(err error) (fuse.Errno, bool) {
	var en fuse.ErrorNumber
	if errors.As(err, &en) {
		return en.Errno(), true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.Errno(errno), true
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fuse.ENOENT, true
	case errors.Is(err, os.ErrExist):
		return fuse.EEXIST, true
	case errors.Is(err, os.ErrPermission):
		return fuse.EACCES, true
	}
	return DefaultErrno, false
}
