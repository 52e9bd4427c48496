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

package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testCommands(ran *[]string) Commands {
	serve := &Command{
		UsageLine: "serve [-v]",
		Short:     "serve things",
		Long:      "Serve serves things.",
	}
	verbose := serve.FlagSet.Bool("v", false, "verbose output")
	serve.Run = func(cmd *Command, args []string) error {
		if err := cmd.FlagSet.Parse(args); err != nil {
			return CmdParseError(err)
		}
		if *verbose {
			*ran = append(*ran, "serve -v")
		} else {
			*ran = append(*ran, "serve")
		}
		return nil
	}
	fail := &Command{
		UsageLine: "fail",
		Short:     "always fails",
		Run: func(cmd *Command, args []string) error {
			return errors.New("boom")
		},
	}
	topic := &Command{
		UsageLine: "topic",
		Short:     "a help topic",
		Long:      "Some long text.",
	}
	return Commands{serve, fail, topic}
}

func TestProcess(t *testing.T) {
	tests := []struct {
		args   []string
		code   int
		err    string
		ran    string
		stdout string
		stderr string
	}{
		{args: nil, stdout: "The commands are:"},
		{args: []string{"help"}, stdout: "Additional help topics:"},
		{args: []string{"help", "topic"}, stdout: "Topic: a help topic"},
		{args: []string{"help", "serve"}, stdout: "Usage: prog serve [-v]"},
		{args: []string{"help", "nope"}, code: 2, stderr: "Unknown help topic 'nope'"},
		{args: []string{"help", "a", "b"}, code: 2, stderr: "Too many arguments given."},
		{args: []string{"serve"}, ran: "serve"},
		{args: []string{"serve", "-v"}, ran: "serve -v"},
		{args: []string{"serve", "-h"}, stdout: "verbose output"},
		{args: []string{"serve", "-x"}, code: 2, stderr: "Flag provided but not defined: -x"},
		{args: []string{"fail"}, err: "boom"},
		{args: []string{"topic"}, code: 2, stderr: "Unknown command 'topic'"},
	}

	for _, tt := range tests {
		var ran []string
		var stdout, stderr bytes.Buffer
		p := &processor{program: "prog", abstract: "abstract", stdout: &stdout, stderr: &stderr}

		code, err := p.run(testCommands(&ran), tt.args)
		if code != tt.code {
			t.Errorf("%v: expected exit code %d, got %d", tt.args, tt.code, code)
		}
		if (err == nil) != (tt.err == "") || (err != nil && err.Error() != tt.err) {
			t.Errorf("%v: expected error %q, got %v", tt.args, tt.err, err)
		}
		if tt.ran != "" && (len(ran) != 1 || ran[0] != tt.ran) {
			t.Errorf("%v: expected %q to run, got %v", tt.args, tt.ran, ran)
		}
		if !strings.Contains(stdout.String(), tt.stdout) {
			t.Errorf("%v: expected stdout to contain %q, got %q", tt.args, tt.stdout, stdout.String())
		}
		if !strings.Contains(stderr.String(), tt.stderr) {
			t.Errorf("%v: expected stderr to contain %q, got %q", tt.args, tt.stderr, stderr.String())
		}
	}
}

func TestCmdParseErrorNil(t *testing.T) {
	if CmdParseError(nil) != nil {
		t.Error("expected nil parse error to stay nil")
	}
}
