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

package fuseserver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/log"
)

type logMode struct {
	m   log.Mode
	set bool
}

func (l logMode) String() string {
	return l.m.String()
}

func (l *logMode) Set(value string) error {
	m, err := log.ParseMode(value)
	if err != nil {
		return err
	}
	l.m, l.set = m, true
	return nil
}

type fileLogMode struct {
	fname string
	fmode log.Mode
}
type logFilter []fileLogMode

var (
	fileNameRegex   = regexp.MustCompile(`^[\w-]+\.go$`)
	lineNumberRegex = regexp.MustCompile(`^\d+$`)
)

func (l logFilter) String() string {
	parts := make([]string, len(l))
	for i, f := range l {
		parts[i] = fmt.Sprintf("%s:%s", f.fname, f.fmode)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (l *logFilter) Set(value string) error {
	for _, f := range strings.Split(value, ",") {
		fname, mode, ok := strings.Cut(f, ":")
		if !ok {
			return fmt.Errorf("improperly formatted filter: %s, expected fname.go:mode", f)
		}
		if !fileNameRegex.MatchString(fname) {
			return fmt.Errorf("expected filename %q to match the regex %q", fname, fileNameRegex)
		}
		fmode, err := log.ParseMode(mode)
		if err != nil {
			return err
		}
		*l = append(*l, fileLogMode{fname: fname, fmode: fmode})
	}
	return nil
}

type backtracePoints []string

func (l *backtracePoints) String() string {
	return fmt.Sprint(*l)
}

func (l *backtracePoints) Set(value string) error {
	for _, f := range strings.Split(value, ",") {
		fname, lnumber, ok := strings.Cut(f, ":")
		if !ok {
			return fmt.Errorf("improperly formatted backtrace point: %s, expected fname.go:line", f)
		}
		if !fileNameRegex.MatchString(fname) {
			return fmt.Errorf("expected filename %q to match the regex %q", fname, fileNameRegex)
		}
		if !lineNumberRegex.MatchString(lnumber) {
			return fmt.Errorf("expected line number %q to match the regex %q", lnumber, lineNumberRegex)
		}
		*l = append(*l, f)
	}
	return nil
}

// signalList collects the signals trapped by the event loop, by name with
// or without the SIG prefix.
type signalList []string

func (l *signalList) String() string {
	return strings.Join(*l, ",")
}

func (l *signalList) Set(value string) error {
	known := make(map[string]bool)
	for _, name := range fs.SignalNames() {
		known[name] = true
	}
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
		if !known[name] {
			return fmt.Errorf("unknown signal %q", name)
		}
		*l = append(*l, name)
	}
	return nil
}
