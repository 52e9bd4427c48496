package fuse

import (
	"errors"
	"fmt"
)

type OldVersionError struct {
	Kernel     Protocol
	LibraryMin Protocol
}

func (e *OldVersionError) Error() string {
	return fmt.Sprintf("kernel FUSE version is too old: %v < %v", e.Kernel, e.LibraryMin)
}

// MountpointDoesNotExistError is an error returned when the
// mountpoint does not exist.
type MountpointDoesNotExistError struct {
	Path string
}

func (e *MountpointDoesNotExistError) Error() string {
	return fmt.Sprintf("mountpoint does not exist: %v", e.Path)
}

// A HelperError reports a failed invocation of the fusermount helper,
// carrying the last line it printed.
type HelperError struct {
	Op     string
	Reason string
	Err    error
}

func (e *HelperError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("fusermount %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fusermount %s: %v: %s", e.Op, e.Err, e.Reason)
}

func (e *HelperError) Unwrap() error { return e.Err }

var (
	ErrClosedWithoutInit = errors.New("fuse connection closed without init")

	ErrCannotCombineAllowOtherAndAllowRoot = errors.New("cannot combine AllowOther and AllowRoot")
)

// safe to call even with nil error
func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type notCachedError struct{}

func (notCachedError) Error() string {
	return "node not cached"
}

var _ ErrorNumber = notCachedError{}

func (notCachedError) Errno() Errno {
	// Behave just like if the original syscall.ENOENT had been passed
	// straight through.
	return ENOENT
}

var (
	ErrNotCached = notCachedError{}
)
