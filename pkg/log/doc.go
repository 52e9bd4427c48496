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

// Package log implements modal execution logs. Every statement is logged at
// one Mode (info, warn, error, fatal or debug) and is filtered by a global
// mode, optionally overridden per source file. Individual statements can be
// marked as tracepoints to emit a backtrace whenever they execute.
//
// The fuse-server command wires these hooks to flags:
//
//	$ fusekit fuse-server -log-mode info|warn|error \
//	                      -log-dir /path/to/dir \
//	                      -log-filter server.go:debug,dispatch.go:warn \
//	                      -log-backtrace-at dispatch.go:42
//
// Basic example:
//
//	logger := log.New()
//	logger.Info("hello, world")
//
// The logger can be configured to be safe for concurrent use, output to
// rotating logs, log with specific formatted headers, etc. using variadic
// options during initialization:
//
//	writer := log.SynchronizedWriter(os.Stderr)
//	writer = log.MultiWriter(writer,
//		log.LogRotationWriter("/logs", 50<<20 /* 50 MiB */))
//
//	logf := log.Lmode | log.Ldate | log.Ltime | log.Llongfile
//	logger := log.New(log.Writer(writer), log.Flags(logf), log.SkipBasePath())
//
// Logger also satisfies the Errorf/Warningf/Infof/Debugf interface expected by
// storage libraries such as badger.
package log
