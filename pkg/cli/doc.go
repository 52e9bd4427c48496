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

// Package cli allows the construction of structured command-line interfaces with sub-commands and
// help topics. This is very similar to the interface in git where the top-level program name (git)
// is preceded by a qualifier that determines what sub-command to execute
// (git {reflog,commit,cherry-pick}).
//
// Package cli explicitly avoid init time global hooks and has a minimal binary size footprint.
//
// Example (from fusekit's main):
//
//	var commands cli.Commands
//	commands = append(commands, fuseserver.FuseServerCmd)
//
//	// Documentation pseudo-commands.
//	commands = append(commands, doc.ArchitectureCmd)
//	commands = append(commands, doc.SignalsCmd)
//
//	abstract := "fusekit serves path based file systems over FUSE."
//	if err := cli.Process(abstract, commands); err != nil {
//		os.Exit(1)
//	}
//
// This generates the following top-level behaviour:
//
//	$ fusekit {,-h,help}
//	fusekit serves path based file systems over FUSE.
//
//	Usage:
//
//	    fusekit command [arguments]
//
//	The commands are:
//
//	        fuse-server            mount and serve a file system
//
//	Use 'fusekit help [command]' for more information about a command.
//
//	Additional help topics:
//
//	        architecture           fusekit architecture overview
//	        signals                signal handling in the request loop
//
//	Use "fusekit help [topic]" for more information about that topic.
//
// Individual commands also have their own '-h' switches for additional command details. Commands
// parsing their own flags should wrap flag errors with CmdParseError so usage is printed
// alongside.
package cli
