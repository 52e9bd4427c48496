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

// Package integration mounts the bundled file systems through the kernel.
// The tests are skipped where FUSE is unavailable.
package integration

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/kvfs"
	"github.com/kurafs/fusekit/pkg/log"
	"github.com/kurafs/fusekit/pkg/memfs"
	"github.com/kurafs/fusekit/pkg/store"
)

func mount(t *testing.T, fsys interface{}) string {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse is not available")
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		t.Skip("fusermount is not installed")
	}

	dir := t.TempDir()
	s, err := fs.Mount(dir, fsys, &fs.Config{Logger: log.Discarder()}, fuse.FSName("fusekit-test"))
	if err != nil {
		t.Skipf("mounting %s: %v", dir, err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Loop() }()
	t.Cleanup(func() {
		if err := s.Unmount(); err != nil {
			t.Errorf("unmount: %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("loop: %v", err)
		}
		s.Close()
	})
	return dir
}

func exercise(t *testing.T, dir string) {
	content := bytes.Repeat([]byte("fusekit "), 20000)
	file := filepath.Join(dir, "sub", "file")

	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, content, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("read back %d bytes, want %d", len(got), len(content))
	}

	fi, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(len(content)) || fi.Mode().Perm() != 0644 {
		t.Fatalf("stat: size %d mode %v", fi.Size(), fi.Mode())
	}

	if err := os.Symlink("sub/file", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(dir, "link"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "sub/file" {
		t.Fatalf("readlink: got %q", target)
	}

	if err := os.Rename(file, filepath.Join(dir, "moved")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatalf("stat after rename: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if want := []string{"link", "moved", "sub"}; !equal(names, want) {
		t.Fatalf("readdir: got %v, want %v", names, want)
	}

	if err := os.Remove(filepath.Join(dir, "sub")); err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(filepath.Join(dir, "moved"), 10); err != nil {
		t.Fatal(err)
	}
	got, err = os.ReadFile(filepath.Join(dir, "moved"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "fusekit fu" {
		t.Fatalf("after truncate: got %q", got)
	}
}

func statfs(t *testing.T, dir string) *unix.Statfs_t {
	t.Helper()
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		t.Fatal(err)
	}
	return &st
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemFS(t *testing.T) {
	dir := mount(t, memfs.New(log.Discarder()))
	exercise(t, dir)
	if st := statfs(t, dir); st.Bsize != 1024 || st.Blocks != 1000000 {
		t.Fatalf("statfs: block size %d, %d blocks", st.Bsize, st.Blocks)
	}
}

func TestKVFS(t *testing.T) {
	s, err := store.OpenBolt(store.BoltConfig{Path: filepath.Join(t.TempDir(), "fs.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	f, err := kvfs.New(context.Background(), s, kvfs.Options{BlockSize: 4096, Passphrase: "integration"})
	if err != nil {
		t.Fatal(err)
	}
	dir := mount(t, f)
	exercise(t, dir)
	if st := statfs(t, dir); st.Bsize != 4096 || st.Namelen != 255 {
		t.Fatalf("statfs: block size %d, name length %d", st.Bsize, st.Namelen)
	}

	if err := unix.Setxattr(filepath.Join(dir, "moved"), "user.tag", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := unix.Getxattr(filepath.Join(dir, "moved"), "user.tag", buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "v" {
		t.Fatalf("getxattr: got %q", buf[:n])
	}
}
