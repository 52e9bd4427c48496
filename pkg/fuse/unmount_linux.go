package fuse

import (
	"bytes"
	"os/exec"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
)

// Unmount tries to unmount the filesystem mounted at dir. Unmounting a
// directory that is not a mount point is not an error.
func Unmount(dir string) error {
	mounted, err := Mounted(dir)
	if err == nil && !mounted {
		return nil
	}

	cmd := exec.Command("fusermount", "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		reason := string(bytes.TrimRight(output, "\n"))
		return &HelperError{Op: "unmount", Reason: reason, Err: err}
	}
	return nil
}

// Mounted reports whether dir is currently a mount point.
func Mounted(dir string) (bool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	return mountinfo.Mounted(abs)
}
