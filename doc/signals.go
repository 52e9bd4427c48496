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

package doc

import "github.com/kurafs/fusekit/pkg/cli"

var SignalsCmd = &cli.Command{
	UsageLine: "signals",
	Short:     "signal handling while a file system is mounted",
	Long: `
fuse-server traps every signal by default, or those listed with -signals
(e.g. -signals TERM,INT,HUP). Trapped signals are not handled where they
arrive: a relay forwards them to the event loop, which handles them between
two requests.

Built-in handlers:

    TERM, INT   stop the loop; the file system is unmounted and the
                process exits cleanly
    USR1        toggle tracing of every request and response

File systems may handle further signals, or replace the built-in ones. memfs
logs its node and byte counts on HUP.

Signals not trapped keep their default disposition. Signals are released
when the loop stops.
`,
}
