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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
mount:
  dir: /mnt/kv
  allow_other: true
  max_readahead: 131072
fs:
  type: kvfs
  passphrase: hunter2
store:
  kind: bolt
  options:
    path: /var/lib/fusekit.db
    timeout: 2s
server:
  signals: [TERM, INT, usr1]
  attr_timeout: 5s
`

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	// No mount point.
	assert.ErrorContains(t, Validate(cfg), "Config.Mount.Dir: validation failed on 'required' tag")
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "fusekit.yaml", sample))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	want := Default()
	want.Mount.Dir = "/mnt/kv"
	want.Mount.AllowOther = true
	want.Mount.MaxReadahead = 131072
	want.FS.Type = "kvfs"
	want.FS.Passphrase = "hunter2"
	want.Store.Kind = "bolt"
	want.Store.Options = map[string]interface{}{"path": "/var/lib/fusekit.db", "timeout": "2s"}
	want.Server.Signals = []string{"TERM", "INT", "usr1"}
	want.Server.AttrTimeout = 5 * time.Second
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	assert.Len(t, cfg.MountOptions(), 3)
	sc := cfg.ServerOptions()
	assert.Equal(t, 5*time.Second, sc.AttrTimeout)
	assert.Equal(t, time.Second, sc.EntryTimeout)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("FUSEKIT_MOUNT_DIR", "/mnt/env")
	t.Setenv("FUSEKIT_LOG_MODE", "debug|error")
	t.Setenv("FUSEKIT_SERVER_TRACE", "true")

	cfg, err := Load(writeFile(t, "fusekit.toml", "[mount]\ndir = \"/mnt/file\"\n"))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "/mnt/env", cfg.Mount.Dir)
	assert.Equal(t, "debug|error", cfg.Log.Mode)
	assert.True(t, cfg.Server.Trace)
}

func TestMountFlags(t *testing.T) {
	t.Setenv("FUSEKIT_MOUNT_LOCKING_POSIX", "true")

	cfg, err := Load(writeFile(t, "fusekit.yaml", `
mount:
  dir: /mnt/dev
  allow_dev: true
  allow_suid: true
  async_read: true
`))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	want := Default().Mount
	want.Dir = "/mnt/dev"
	want.AllowDev = true
	want.AllowSUID = true
	want.AsyncRead = true
	want.LockingPOSIX = true
	if diff := cmp.Diff(want, cfg.Mount); diff != "" {
		t.Fatalf("mount config mismatch (-want +got):\n%s", diff)
	}
	// fsname plus the four above.
	assert.Len(t, cfg.MountOptions(), 5)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{"ok", func(*Config) {}, ""},
		{"fs type", func(c *Config) { c.FS.Type = "ext4" }, "Config.FS.Type: validation failed on 'oneof' tag (value: ext4)"},
		{"block size", func(c *Config) { c.FS.BlockSize = 100 }, "Config.FS.BlockSize: validation failed on 'min' tag"},
		{"store kind", func(c *Config) { c.Store.Kind = "etcd" }, "Config.Store.Kind: validation failed on 'oneof' tag"},
		{"allow root and other", func(c *Config) {
			c.Mount.AllowOther = true
			c.Mount.AllowRoot = true
		}, "Config.Mount.AllowRoot: validation failed on 'excluded_with' tag"},
		{"metrics addr", func(c *Config) { c.Metrics.Addr = "nope" }, "Config.Metrics.Addr: validation failed on 'hostname_port' tag"},
		{"log mode", func(c *Config) { c.Log.Mode = "loud" }, `log.mode: unrecognized mode: "loud"`},
		{"signal", func(c *Config) { c.Server.Signals = []string{"SIGTERM", "BOGUS"} }, `server.signals[1]: unknown signal "BOGUS"`},
		{"passphrase", func(c *Config) { c.FS.Passphrase = "x" }, "fs.passphrase: only kvfs blocks are sealed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Mount.Dir = "/mnt"
			tt.modify(cfg)
			err := Validate(cfg)
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
