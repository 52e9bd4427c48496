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
	"errors"
	"os"
	gosignal "os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/moby/sys/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
)

func TestNewServerNil(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestLoopNotMounted(t *testing.T) {
	s, err := NewServer(&helloFS{}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, ErrNotMounted, s.Loop())
	assert.Equal(t, ErrNotMounted, s.Run())
	assert.False(t, s.Mounted())
	assert.NoError(t, s.Unmount())
}

func TestLoopAlreadyRunning(t *testing.T) {
	s, _, _ := serve(t, &helloFS{}, nil)
	assert.Equal(t, ErrAlreadyRunning, s.Loop())
	assert.Equal(t, ErrAlreadyRunning, s.Run())
	assert.True(t, s.Running())
}

func TestStop(t *testing.T) {
	s, k := attach(t, &helloFS{}, nil)

	// A stop requested before the loop starts is dropped by it.
	s.Stop()
	wait := loop(t, s)
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)
	k.lookup(1, "hello")

	s.Stop()
	s.Stop()
	assert.NoError(t, wait())
	assert.False(t, s.Running())
	assert.True(t, s.Mounted())

	// The loop picks up where it left off.
	wait = loop(t, s)
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)
	k.lookup(1, "hello")
	s.Stop()
	assert.NoError(t, wait())
}

func TestUnmountWhileLooping(t *testing.T) {
	l := &lifecycleFS{}
	s, k := attach(t, l, nil)
	wait := loop(t, s)
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)
	k.ok(nil, opInit, 0, kInitIn{Major: 7, Minor: 12})

	require.NoError(t, s.Unmount())
	assert.False(t, s.Mounted())
	assert.NoError(t, wait())
	assert.Equal(t, 1, l.destroys)

	// The connection was closed by the loop on its way out.
	fds := []unix.PollFd{{Fd: int32(k.fd), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, 5000)
	require.NoError(t, err)
	assert.NotZero(t, fds[0].Revents&unix.POLLHUP)

	assert.NoError(t, s.Unmount())
	assert.NoError(t, s.Close())
	assert.Equal(t, 1, l.destroys)
	assert.Equal(t, ErrNotMounted, s.Loop())
}

func TestDestroyWithoutInit(t *testing.T) {
	l := &lifecycleFS{}
	s, _ := attach(t, l, nil)
	require.NoError(t, s.Close())
	assert.Zero(t, l.destroys)
}

func TestStopAfterClose(t *testing.T) {
	s, err := NewServer(&helloFS{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// The descriptors the server held are free for reuse.
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	s.Stop()
	s.wake(byte(syscall.SIGUSR2))
	var b [1]byte
	_, err = unix.Read(p[0], b[:])
	assert.Equal(t, unix.EAGAIN, err)
	assert.NoError(t, s.drainMarker())
	assert.NoError(t, s.Close())
}

func TestInvalidate(t *testing.T) {
	s, k, _ := serve(t, &helloFS{}, nil)
	hello := k.lookup(1, "hello")

	require.NoError(t, s.Invalidate("/hello"))
	h, body := k.reply()
	assert.Equal(t, kOutHeader{Len: 16 + 24, Error: 2}, h)
	var inode struct {
		Ino uint64
		Off int64
		Len int64
	}
	decode(t, body, &inode)
	assert.Equal(t, hello.Nodeid, inode.Ino)
	assert.Equal(t, int64(-1), inode.Len)

	h, body = k.reply()
	assert.Equal(t, int32(3), h.Error)
	var entry struct {
		Parent  uint64
		Namelen uint32
		_       uint32
	}
	decode(t, body, &entry)
	assert.Equal(t, uint64(1), entry.Parent)
	assert.Equal(t, "hello\x00", string(body[16:]))

	// Only the entry of a name never looked up.
	require.NoError(t, s.Invalidate("/fresh"))
	h, body = k.reply()
	assert.Equal(t, int32(3), h.Error)
	assert.Equal(t, "fresh\x00", string(body[16:]))

	// Nothing at all below an unknown directory.
	require.NoError(t, s.Invalidate("/nowhere/deep"))
	assert.Equal(t, hello.Nodeid, k.lookup(1, "hello").Nodeid)
	require.NoError(t, s.Unmount())
	assert.Equal(t, ErrNotMounted, s.Invalidate("/hello"))
}

func TestAttachTwice(t *testing.T) {
	s, _ := attach(t, &helloFS{}, nil)
	var merr *MountError
	assert.ErrorAs(t, s.Attach(nil), &merr)
}

func TestChannelEOF(t *testing.T) {
	s, k := attach(t, &helloFS{}, nil)
	wait := loop(t, s)
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)

	require.NoError(t, unix.Shutdown(k.fd, unix.SHUT_WR))
	assert.NoError(t, wait())
}

func TestChannelHangup(t *testing.T) {
	s, k := attach(t, &helloFS{}, nil)
	wait := loop(t, s)
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)

	k.close()
	err := wait()
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "poll", terr.Op)
}

func TestTrace(t *testing.T) {
	var buf syncBuffer
	s, k, _ := serve(t, &helloFS{}, logTo(&buf))
	assert.False(t, s.Trace())

	k.lookup(1, "hello")
	assert.NotContains(t, buf.String(), "==>")

	s.SetTrace(true)
	s.SetTrace(true)
	k.lookup(1, "hello")
	assert.Contains(t, buf.String(), "=== trace=true")
	assert.Contains(t, buf.String(), `==> getattr("/hello")`)
}

func TestCapabilities(t *testing.T) {
	s, err := NewServer(&signalFS{}, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"getattr", "open", "read", "readdir", "release", "sighup", "sigusr2", "sigwinch"}, s.Capabilities())
}

// signalFS handles a few signals on top of helloFS.
type signalFS struct {
	helloFS
	usr2   chan struct{}
	hupErr error
}

func (f *signalFS) Signals() map[string]func() error {
	return map[string]func() error{
		"SIGUSR2": func() error {
			f.usr2 <- struct{}{}
			return nil
		},
		"hup": func() error { return f.hupErr },
		"WINCH": func() error {
			panic("unreachable")
		},
		"PIPE": nil,
	}
}

func TestTrapSignals(t *testing.T) {
	gosignal.Ignore(syscall.SIGWINCH)
	defer gosignal.Reset(syscall.SIGWINCH)

	s, err := NewServer(&signalFS{}, nil)
	require.NoError(t, err)
	defer s.Close()

	// WINCH is ignored by the process, ALRM and PIPE have no handler.
	trapped := s.TrapSignals("winch", "SIGUSR2", "TERM", "ALRM", "PIPE", "KILL", "12", "BOGUS")
	assert.ElementsMatch(t, []string{"USR2", "TERM"}, trapped)
	assert.Equal(t, []string{"TERM", "USR2"}, s.Trapped())

	// Every known signal, less those above and those with no handler.
	// Shells may have the process ignore some of them.
	var more []string
	for _, name := range []string{"HUP", "INT", "USR1"} {
		if !gosignal.Ignored(signal.SignalMap[name]) {
			more = append(more, name)
		}
	}
	assert.ElementsMatch(t, more, s.TrapSignals())
	assert.ElementsMatch(t, append(more, "TERM", "USR2"), s.Trapped())

	s.ResetSignals()
	assert.Empty(t, s.Trapped())
}

func TestSignalClaims(t *testing.T) {
	s1, err := NewServer(&helloFS{}, nil)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := NewServer(&helloFS{}, nil)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, []string{"TERM"}, s1.TrapSignals("TERM"))
	assert.Empty(t, s2.TrapSignals("TERM"))

	s1.ResetSignals()
	assert.Equal(t, []string{"TERM"}, s2.TrapSignals("TERM"))
}

func TestSignalHandler(t *testing.T) {
	rec := &testRecorder{}
	f := &signalFS{usr2: make(chan struct{}, 1)}
	s, k, _ := serve(t, f, &Config{Recorder: rec})
	require.Equal(t, []string{"USR2"}, s.TrapSignals("USR2"))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	select {
	case <-f.usr2:
	case <-time.After(5 * time.Second):
		t.Fatal("USR2 handler not run")
	}
	_, signals := rec.records()
	assert.Equal(t, []string{"USR2"}, signals)

	// Requests are still served.
	k.lookup(1, "hello")
}

// orderFS notes whether a signal or a request was served first.
type orderFS struct {
	helloFS
	mu    sync.Mutex
	order []string
}

func (f *orderFS) note(what string) {
	f.mu.Lock()
	f.order = append(f.order, what)
	f.mu.Unlock()
}

func (f *orderFS) Getattr(ctx context.Context, path string) (*Stat, error) {
	f.note("request")
	return f.helloFS.Getattr(ctx, path)
}

func (f *orderFS) Signals() map[string]func() error {
	return map[string]func() error{
		"USR2": func() error {
			f.note("signal")
			return nil
		},
	}
}

func TestSignalBeforeRequest(t *testing.T) {
	f := &orderFS{}
	s, k := attach(t, f, nil)
	require.Equal(t, []string{"USR2"}, s.TrapSignals("USR2"))

	// Both are pending when the loop first polls.
	unique := k.send(opLookup, 1, "hello\x00")
	s.wake(byte(syscall.SIGUSR2))
	wait := loop(t, s)

	h, _ := k.reply()
	assert.Equal(t, unique, h.Unique)
	assert.Zero(t, h.Error)
	s.Stop()
	require.NoError(t, wait())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"signal", "request"}, f.order)
}

func TestSignalHandlerError(t *testing.T) {
	if gosignal.Ignored(syscall.SIGHUP) {
		t.Skip("SIGHUP is ignored")
	}
	f := &signalFS{hupErr: errors.New("reload failed")}
	s, _, wait := serve(t, f, nil)
	require.Equal(t, []string{"HUP"}, s.TrapSignals("HUP"))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	err := wait()
	var serr *SignalError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "HUP", serr.Signal)
	assert.EqualError(t, err, "fs: signal handler SIGHUP: reload failed")
}

func TestSignalToggleTrace(t *testing.T) {
	s, _, _ := serve(t, &helloFS{}, nil)
	require.Equal(t, []string{"USR1"}, s.TrapSignals("USR1"))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, s.Trace, 5*time.Second, time.Millisecond)
}

func TestRun(t *testing.T) {
	s, k := attach(t, &helloFS{}, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run("TERM") }()
	require.Eventually(t, s.Running, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Trapped()) == 1 }, 5*time.Second, time.Millisecond)
	k.lookup(1, "hello")

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	assert.False(t, s.Mounted())
	assert.Empty(t, s.Trapped())
}

func TestOperationErrorUnwraps(t *testing.T) {
	err := Failed(syscall.EROFS, os.ErrPermission)
	assert.ErrorIs(t, err, os.ErrPermission)
	errno, ok := classify(err)
	assert.True(t, ok)
	assert.Equal(t, fuse.Errno(syscall.EROFS), errno)
}
