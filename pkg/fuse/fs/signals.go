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
	"fmt"
	"os"
	gosignal "os/signal"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/moby/sys/signal"
	"golang.org/x/sys/unix"
)

// Signals are process wide. A signal trapped by one server is not
// trapped by another until released.
var claims = struct {
	sync.Mutex
	m map[syscall.Signal]*Server
}{m: make(map[syscall.Signal]*Server)}

func signalName(name string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
}

// SignalNames returns the names of the signals known on this platform,
// without the SIG prefix.
func SignalNames() []string {
	names := make([]string, 0, len(signal.SignalMap))
	for name := range signal.SignalMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// handler returns the handler for a signal name: the file system's own,
// else a built-in one, else nil.
func (s *Server) handler(name string) func() error {
	if fn, ok := s.caps.signals[name]; ok {
		return fn
	}
	switch name {
	case "TERM", "INT":
		return func() error {
			s.Stop()
			return nil
		}
	case "USR1":
		return func() error {
			s.SetTrace(!s.Trace())
			return nil
		}
	}
	return nil
}

// TrapSignals relays the named signals, or every known signal when none
// are named, to their handlers on the loop goroutine. A name is trapped
// only if there is a handler for it and nothing else in the process
// handles the signal already: signals ignored at startup or by
// signal.Ignore, and signals trapped by another server, are skipped. It
// returns the names trapped.
//
// Signals delivered to the process through os/signal channels of its own
// cannot be detected and are shared.
func (s *Server) TrapSignals(names ...string) []string {
	if len(names) == 0 {
		names = SignalNames()
	}
	s.relayOnce.Do(func() { go s.relay() })

	s.mu.Lock()
	defer s.mu.Unlock()
	claims.Lock()
	defer claims.Unlock()

	var trapped []string
	var sigs []os.Signal
	for _, raw := range names {
		sig, err := signal.ParseSignal(raw)
		if err != nil {
			s.logger.Warnf("trapping signals: %v", err)
			continue
		}
		if sig == unix.SIGKILL || sig == unix.SIGSTOP || sig > 0xff {
			continue
		}
		name := signalName(raw)
		if s.handler(name) == nil {
			name = strings.TrimPrefix(unix.SignalName(sig), "SIG")
			if s.handler(name) == nil {
				continue
			}
		}
		if _, ok := s.trapped[sig]; ok {
			continue
		}
		if gosignal.Ignored(sig) {
			continue
		}
		if owner, ok := claims.m[sig]; ok && owner != s {
			continue
		}
		claims.m[sig] = s
		s.trapped[sig] = name
		sigs = append(sigs, sig)
		trapped = append(trapped, name)
	}
	if len(sigs) > 0 {
		gosignal.Notify(s.sigCh, sigs...)
	}
	return trapped
}

// Trapped returns the names of the signals currently trapped.
func (s *Server) Trapped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.trapped))
	for _, name := range s.trapped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetSignals releases every trapped signal back to its default
// disposition.
func (s *Server) ResetSignals() {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims.Lock()
	defer claims.Unlock()

	gosignal.Stop(s.sigCh)
	for sig := range s.trapped {
		if claims.m[sig] == s {
			delete(claims.m, sig)
		}
	}
	s.trapped = make(map[syscall.Signal]string)
}

// relay turns deliveries into markers on the notification pipe. Markers
// of a signal delivered many times before the loop drains them may
// collapse into one.
func (s *Server) relay() {
	for {
		select {
		case sig := <-s.sigCh:
			if n, ok := sig.(syscall.Signal); ok && n > 0 && n <= 0xff {
				s.wake(byte(n))
			}
		case <-s.done:
			return
		}
	}
}

// signal runs the handler of a trapped signal on the loop goroutine.
func (s *Server) signal(sig syscall.Signal) (err error) {
	s.mu.Lock()
	name, ok := s.trapped[sig]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	fn := s.handler(name)
	if fn == nil {
		return nil
	}
	s.recorder.Signal(name)

	trace := s.trace.Load()
	if trace {
		s.logger.Infof("==> sig%s()", strings.ToLower(name))
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorf("sig%s: panic: %v\n%s", strings.ToLower(name), rec, debug.Stack())
			err = fmt.Errorf("panic: %v", rec)
		}
		if trace {
			s.logger.Infof("<== sig%s()", strings.ToLower(name))
		}
		if err != nil {
			err = &SignalError{Signal: name, Err: err}
		}
	}()
	return fn()
}
