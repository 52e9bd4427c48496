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

// Package config loads the fuse-server configuration file.
//
// Settings come from, in decreasing order of precedence: command-line
// flags (applied by the caller), FUSEKIT_* environment variables, the
// configuration file, and Default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
)

// EnvPrefix prefixes the environment variables overriding the file, as in
// FUSEKIT_MOUNT_DIR or FUSEKIT_LOG_MODE.
const EnvPrefix = "FUSEKIT"

type Config struct {
	Mount   MountConfig   `mapstructure:"mount"`
	FS      FSConfig      `mapstructure:"fs"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

type MountConfig struct {
	// Dir is the mount point.
	Dir string `mapstructure:"dir" validate:"required"`

	FSName             string `mapstructure:"fsname"`
	Subtype            string `mapstructure:"subtype"`
	AllowOther         bool   `mapstructure:"allow_other"`
	AllowRoot          bool   `mapstructure:"allow_root" validate:"excluded_with=AllowOther"`
	DefaultPermissions bool   `mapstructure:"default_permissions"`
	ReadOnly           bool   `mapstructure:"read_only"`
	AllowNonEmpty      bool   `mapstructure:"allow_non_empty"`
	AllowDev           bool   `mapstructure:"allow_dev"`
	AllowSUID          bool   `mapstructure:"allow_suid"`
	MaxReadahead       uint32 `mapstructure:"max_readahead"`

	// AsyncRead lets the kernel issue concurrent reads of one handle.
	AsyncRead bool `mapstructure:"async_read"`

	// LockingPOSIX routes fcntl record locks to the file system's Lock.
	LockingPOSIX bool `mapstructure:"locking_posix"`
}

type FSConfig struct {
	// Type selects the file system served: memfs or kvfs.
	Type string `mapstructure:"type" validate:"required,oneof=memfs kvfs"`

	// BlockSize is the kvfs block size in bytes.
	BlockSize int `mapstructure:"block_size" validate:"min=512,max=16777216"`

	// Passphrase seals kvfs blocks when set.
	Passphrase string `mapstructure:"passphrase"`
}

type StoreConfig struct {
	// Kind selects the kvfs backend.
	Kind string `mapstructure:"kind" validate:"required,oneof=memory bolt badger s3"`

	// Options are decoded by the backend, e.g. {path: /var/lib/fs.db}.
	Options map[string]interface{} `mapstructure:"options"`
}

type LogConfig struct {
	// Mode is a '|' separated list of log modes, as for -log-mode.
	Mode string `mapstructure:"mode"`

	// Dir receives rotated log files when set.
	Dir string `mapstructure:"dir"`

	SuppressStderr bool `mapstructure:"suppress_stderr"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "localhost:9100".
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type ServerConfig struct {
	Trace bool `mapstructure:"trace"`

	// Signals trapped by the event loop. Empty traps every signal.
	Signals []string `mapstructure:"signals"`

	AttrTimeout  time.Duration `mapstructure:"attr_timeout" validate:"min=0"`
	EntryTimeout time.Duration `mapstructure:"entry_timeout" validate:"min=0"`
}

// Default returns the configuration used for settings no source gives.
func Default() *Config {
	return &Config{
		Mount: MountConfig{FSName: "fusekit"},
		FS:    FSConfig{Type: "memfs", BlockSize: 64 << 10},
		Store: StoreConfig{Kind: "memory"},
		Log:   LogConfig{Mode: "info|warn|error"},
		Server: ServerConfig{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
	}
}

// Load reads the file at path, if any, over Default and applies
// environment overrides. The result is not validated; callers apply their
// flags and then call Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override keys
// absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("mount.dir", d.Mount.Dir)
	v.SetDefault("mount.fsname", d.Mount.FSName)
	v.SetDefault("mount.subtype", d.Mount.Subtype)
	v.SetDefault("mount.allow_other", d.Mount.AllowOther)
	v.SetDefault("mount.allow_root", d.Mount.AllowRoot)
	v.SetDefault("mount.default_permissions", d.Mount.DefaultPermissions)
	v.SetDefault("mount.read_only", d.Mount.ReadOnly)
	v.SetDefault("mount.allow_non_empty", d.Mount.AllowNonEmpty)
	v.SetDefault("mount.allow_dev", d.Mount.AllowDev)
	v.SetDefault("mount.allow_suid", d.Mount.AllowSUID)
	v.SetDefault("mount.max_readahead", d.Mount.MaxReadahead)
	v.SetDefault("mount.async_read", d.Mount.AsyncRead)
	v.SetDefault("mount.locking_posix", d.Mount.LockingPOSIX)
	v.SetDefault("fs.type", d.FS.Type)
	v.SetDefault("fs.block_size", d.FS.BlockSize)
	v.SetDefault("fs.passphrase", d.FS.Passphrase)
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("log.mode", d.Log.Mode)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.suppress_stderr", d.Log.SuppressStderr)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("server.trace", d.Server.Trace)
	v.SetDefault("server.signals", d.Server.Signals)
	v.SetDefault("server.attr_timeout", d.Server.AttrTimeout)
	v.SetDefault("server.entry_timeout", d.Server.EntryTimeout)
}

// MountOptions translates the mount section into fuse mount options.
func (c *Config) MountOptions() []fuse.MountOption {
	m := c.Mount
	var opts []fuse.MountOption
	if m.FSName != "" {
		opts = append(opts, fuse.FSName(m.FSName))
	}
	if m.Subtype != "" {
		opts = append(opts, fuse.Subtype(m.Subtype))
	}
	if m.AllowOther {
		opts = append(opts, fuse.AllowOther())
	}
	if m.AllowRoot {
		opts = append(opts, fuse.AllowRoot())
	}
	if m.DefaultPermissions {
		opts = append(opts, fuse.DefaultPermissions())
	}
	if m.ReadOnly {
		opts = append(opts, fuse.ReadOnly())
	}
	if m.AllowNonEmpty {
		opts = append(opts, fuse.AllowNonEmptyMount())
	}
	if m.AllowDev {
		opts = append(opts, fuse.AllowDev())
	}
	if m.AllowSUID {
		opts = append(opts, fuse.AllowSUID())
	}
	if m.MaxReadahead > 0 {
		opts = append(opts, fuse.MaxReadahead(m.MaxReadahead))
	}
	if m.AsyncRead {
		opts = append(opts, fuse.AsyncRead())
	}
	if m.LockingPOSIX {
		opts = append(opts, fuse.LockingPOSIX())
	}
	return opts
}

// ServerOptions returns the fs.Config the server section describes.
func (c *Config) ServerOptions() *fs.Config {
	return &fs.Config{
		Trace:        c.Server.Trace,
		AttrTimeout:  c.Server.AttrTimeout,
		EntryTimeout: c.Server.EntryTimeout,
	}
}
