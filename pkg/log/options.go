// Copyright 2018 Irfan Sharif.
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

package log

import (
	"io"
	"path/filepath"
)

// Flag controls the header prepended to each log line.
type Flag int

// These flags define which text to prefix to each log entry generated by the
// Logger. Bits are or'ed together to control what's printed. The prefix is
// followed by a space, and a closing bracket after the file location.
//
//	Lmode|Ldate|Lmicroseconds|Lshortfile produces
//	I180419 06:33:04.606396 fname.go:42] message
const (
	Lmode         Flag = 1 << iota // the mode byte: I, W, E, F or D
	Ldate                          // the date in the local time zone: yymmdd
	Ltime                          // the time in the local time zone: hh:mm:ss
	Lmicroseconds                  // microsecond resolution: hh:mm:ss.uuuuuu, implies Ltime
	Llongfile                      // full file name and line number: /a/b/c/d.go:23
	Lshortfile                     // final file name element and line number: d.go:23
	LUTC                           // if Ldate or Ltime is set, use UTC rather than the local time zone

	LstdFlags = Lmode | Ldate | Lmicroseconds | Lshortfile
)

type option func(*Logger)

// Writer sets the destination of log output. Writers used by more than one
// goroutine should be wrapped with SynchronizedWriter.
func Writer(w io.Writer) option {
	return func(l *Logger) {
		l.w = w
	}
}

// Flags sets the header format.
func Flags(f Flag) option {
	return func(l *Logger) {
		l.flag = f
	}
}

// SkipBasePath trims the module root from file names printed under
// Llongfile, so headers read pkg/fuse/fs/server.go:42 rather than the
// absolute build path. The root is taken to be the directory two levels
// above this file.
func SkipBasePath() option {
	return func(l *Logger) {
		file, _ := caller(0)
		l.basePath = filepath.Dir(filepath.Dir(filepath.Dir(file)))
	}
}

// BasePath trims an explicit prefix from file names printed under
// Llongfile. Files outside of it are printed in full.
func BasePath(path string) option {
	return func(l *Logger) {
		l.basePath = filepath.Clean(path)
	}
}
