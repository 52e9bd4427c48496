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
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/log"
)

// Config holds the optional settings of a Server.
type Config struct {
	// Logger receives failures and trace output. Defaults to a discarding
	// logger.
	Logger *log.Logger

	// Recorder observes dispatched operations and handled signals.
	Recorder Recorder

	// Trace starts the server with tracing enabled.
	Trace bool

	// How long the kernel may cache attributes and names. Default 1s.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// A Server drives a file system over one kernel connection at a time.
type Server struct {
	fs         interface{}
	caps       capabilities
	logger     *log.Logger
	recorder   Recorder
	attrValid  time.Duration
	entryValid time.Duration

	nodes   *nodeTable
	handles *Registry

	trace    atomic.Bool
	stopping atomic.Bool

	mu          sync.Mutex
	conn        *fuse.Conn
	dir         string
	mounted     bool
	looping     bool
	initialized bool
	destroyed   bool
	trapped     map[syscall.Signal]string

	// Self-pipe waking the loop: a zero byte for Stop, a signal number
	// for a trapped signal. Both ends are -1 once closed.
	pipeMu    sync.RWMutex
	pipe      [2]int
	sigCh     chan os.Signal
	relayOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer prepares a server for fsys, which implements any of the
// operation interfaces of this package.
func NewServer(fsys interface{}, cfg *Config) (*Server, error) {
	if fsys == nil {
		return nil, errors.New("fs: nil file system")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Server{
		fs:         fsys,
		caps:       capabilitiesOf(fsys),
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		attrValid:  cfg.AttrTimeout,
		entryValid: cfg.EntryTimeout,
		handles:    NewRegistry(),
		trapped:    make(map[syscall.Signal]string),
		sigCh:      make(chan os.Signal, 8),
		done:       make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = log.Discarder()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.attrValid == 0 {
		s.attrValid = time.Second
	}
	if s.entryValid == 0 {
		s.entryValid = time.Second
	}
	s.nodes = newNodeTable(func(msg interface{}) { s.logger.Debug(msg) })
	s.trace.Store(cfg.Trace)

	if err := unix.Pipe2(s.pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("fs: creating notification pipe: %v", err)
	}
	return s, nil
}

// Mount mounts fsys on dir and returns a server ready to Loop or Run.
func Mount(dir string, fsys interface{}, cfg *Config, options ...fuse.MountOption) (*Server, error) {
	s, err := NewServer(fsys, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Mount(dir, options...); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Mount mounts the file system on dir. A server can be mounted again
// after it was unmounted.
func (s *Server) Mount(dir string, options ...fuse.MountOption) error {
	if s.Mounted() {
		return &MountError{Dir: dir, Err: errors.New("already mounted")}
	}
	conn, err := fuse.Mount(dir, options...)
	if err != nil {
		return &MountError{Dir: dir, Err: err}
	}
	s.attach(conn, dir)
	s.logger.Infof("mounted %s", dir)
	return nil
}

// Attach serves the file system over an already mounted connection.
// Unmount only closes it.
func (s *Server) Attach(conn *fuse.Conn) error {
	if s.Mounted() {
		return &MountError{Err: errors.New("already mounted")}
	}
	s.attach(conn, "")
	return nil
}

func (s *Server) attach(conn *fuse.Conn, dir string) {
	s.nodes.reset()
	s.handles.reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.dir = dir
	s.mounted = true
	s.initialized = false
	s.destroyed = false
}

// Mounted reports whether the server holds a mounted connection.
func (s *Server) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// Running reports whether Loop is running.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.looping
}

// Dir returns the mount point, empty for attached connections.
func (s *Server) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Capabilities lists the operations and signal handlers the file system
// implements.
func (s *Server) Capabilities() []string {
	return s.caps.names()
}

// OpenHandles returns the handles opened and not yet released.
func (s *Server) OpenHandles() []*FileInfo {
	return s.handles.Open()
}

// Trace reports whether operations are being traced.
func (s *Server) Trace() bool {
	return s.trace.Load()
}

// SetTrace turns tracing of every operation on or off.
func (s *Server) SetTrace(on bool) {
	if s.trace.Swap(on) != on {
		s.logger.Infof("=== trace=%v", on)
	}
}

// Unmount detaches the file system and stops the loop. It is a no-op
// when the server is not mounted. A running loop finishes the request in
// hand and releases the connection on its way out.
func (s *Server) Unmount() error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.mounted = false
	looping, conn, dir := s.looping, s.conn, s.dir
	s.mu.Unlock()

	s.Stop()
	var err error
	if dir != "" {
		if err = fuse.Unmount(dir); err == nil {
			s.logger.Infof("unmounted %s", dir)
		}
	}
	if !looping {
		s.finish(conn)
	}
	return err
}

// Invalidate drops what the kernel caches about path after it changed
// behind the kernel's back: the attributes and data of its node and its
// entry in the parent directory. Names the kernel never looked up are
// skipped.
func (s *Server) Invalidate(path string) error {
	s.mu.Lock()
	conn, mounted := s.conn, s.mounted
	s.mu.Unlock()
	if !mounted {
		return ErrNotMounted
	}

	parent, id, name := s.nodes.find(path)
	if id != 0 {
		if err := conn.InvalidateNode(id, 0, -1); err != nil && err != fuse.ErrNotCached {
			return &TransportError{Op: "invalidate", Err: err}
		}
	}
	if parent != 0 {
		if err := conn.InvalidateEntry(parent, name); err != nil && err != fuse.ErrNotCached {
			return &TransportError{Op: "invalidate", Err: err}
		}
	}
	s.logger.Debugf("invalidated %s", path)
	return nil
}

// finish ends a mount: the file system is destroyed if it was initialized
// and the connection closed.
func (s *Server) finish(conn *fuse.Conn) {
	s.destroy(context.Background())
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warnf("closing connection: %v", err)
		}
	}
}

// Close unmounts the file system, releases trapped signals and frees the
// notification pipe. The server cannot be used afterwards.
func (s *Server) Close() error {
	err := s.Unmount()
	s.closeOnce.Do(func() {
		s.ResetSignals()
		close(s.done)
		s.pipeMu.Lock()
		unix.Close(s.pipe[0])
		unix.Close(s.pipe[1])
		s.pipe = [2]int{-1, -1}
		s.pipeMu.Unlock()
	})
	return err
}

// Stop asks the loop to return once the request in hand is answered. It
// can be called any number of times, from any goroutine or from a signal
// handler.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.wake(0)
}

// wake writes a marker to the notification pipe. A full pipe already
// holds a pending marker, so the write is dropped.
func (s *Server) wake(marker byte) {
	s.pipeMu.RLock()
	defer s.pipeMu.RUnlock()
	if s.pipe[1] >= 0 {
		unix.Write(s.pipe[1], []byte{marker})
	}
}

func (s *Server) initialize(ctx context.Context, info ConnInfo) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.caps.init != nil {
		err := s.call("init", []interface{}{info.Kernel.String()}, func() error {
			return s.caps.init.Init(ctx, info)
		})
		if err != nil {
			return err
		}
	}

	// A file system whose Init failed is not destroyed.
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *Server) destroy(ctx context.Context) {
	s.mu.Lock()
	if !s.initialized || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	if s.caps.destroy == nil {
		return
	}
	err := s.call("destroy", nil, func() error {
		return s.caps.destroy.Destroy(ctx)
	})
	if err != nil {
		s.logger.Errorf("destroy: %v", err)
	}
}

// Loop serves requests until Stop is called, a signal handler fails or
// the kernel channel goes away. It returns nil when stopped or when the
// kernel reports the file system unmounted on read, and a TransportError
// when the channel fails. Trapped signals are handled between requests.
// Loop can be called again once it has returned.
func (s *Server) Loop() error {
	s.mu.Lock()
	switch {
	case s.looping:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case !s.mounted:
		s.mu.Unlock()
		return ErrNotMounted
	}
	s.looping = true
	s.stopping.Store(false)
	conn := s.conn
	s.mu.Unlock()
	defer s.loopDone()

	if info := conn.Init(); info.Kernel.Major != 0 {
		err := s.initialize(context.Background(), ConnInfo{
			Kernel:       info.Kernel,
			Library:      conn.Protocol(),
			MaxReadahead: info.MaxReadahead,
			MaxWrite:     info.MaxWrite,
			Flags:        info.Flags,
		})
		if err != nil {
			return err
		}
	}

	s.pipeMu.RLock()
	wakeFd := s.pipe[0]
	s.pipeMu.RUnlock()
	fds := []unix.PollFd{
		{Fd: int32(wakeFd), Events: unix.POLLIN},
		{Fd: int32(conn.Fd()), Events: unix.POLLIN},
	}
	for !s.stopping.Load() {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return &TransportError{Op: "poll", Err: err}
		}

		// Pending signals go first, so that a stop is not queued
		// behind requests.
		if fds[0].Revents&unix.POLLIN != 0 {
			if err := s.drainMarker(); err != nil {
				return err
			}
			continue
		}
		if rev := fds[1].Revents; rev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return &TransportError{Op: "poll", Err: fmt.Errorf("channel revents %#x", rev)}
		}
		if fds[1].Revents&unix.POLLIN == 0 {
			continue
		}

		req, err := conn.ReadRequest()
		if err != nil {
			if err == io.EOF {
				s.logger.Info("file system unmounted")
				return nil
			}
			var t interface{ Temporary() bool }
			if errors.As(err, &t) && t.Temporary() {
				s.logger.Warnf("reading request: %v", err)
				continue
			}
			return &TransportError{Op: "read", Err: err}
		}
		s.serve(req)
	}
	return nil
}

func (s *Server) loopDone() {
	s.mu.Lock()
	s.looping = false
	finish := !s.mounted
	conn := s.conn
	s.mu.Unlock()

	if finish {
		s.finish(conn)
	}
}

// drainMarker consumes one marker from the notification pipe.
func (s *Server) drainMarker() error {
	var b [1]byte
	s.pipeMu.RLock()
	n, err := unix.Read(s.pipe[0], b[:])
	s.pipeMu.RUnlock()
	if err != nil || n == 0 || b[0] == 0 {
		return nil
	}
	return s.signal(syscall.Signal(b[0]))
}

// Run traps the named signals, or every signal when none are named,
// serves requests until the loop stops, then releases the signals and
// unmounts.
func (s *Server) Run(signals ...string) (err error) {
	if !s.Mounted() {
		return ErrNotMounted
	}
	if s.Running() {
		return ErrAlreadyRunning
	}
	trapped := s.TrapSignals(signals...)
	s.logger.Debugf("trapped signals: %v", trapped)
	defer func() {
		s.ResetSignals()
		if uerr := s.Unmount(); err == nil {
			err = uerr
		}
	}()
	return s.Loop()
}
