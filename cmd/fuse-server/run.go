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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/kurafs/fusekit/pkg/cli"
	"github.com/kurafs/fusekit/pkg/config"
	"github.com/kurafs/fusekit/pkg/fuse"
	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/log"
	"github.com/kurafs/fusekit/pkg/metrics"
)

var FuseServerCmd = &cli.Command{
	Run:       fuseServerCmdRun,
	UsageLine: "fuse-server [-config file] [-fs memfs|kvfs] [-store kind] [-unmount] [logger flags] <mount-point>",
	Short:     "mount a file system and serve it until unmounted",
	Long: `
Fuse-server mounts a file system at the given mount point and serves it from
a single event loop until the mount point is unmounted or the process is
told to stop.

Two file systems are available. memfs keeps everything in memory and is
lost on unmount. kvfs keeps inodes, directory entries and file blocks in a
key/value store (memory, bolt, badger or s3), optionally sealing blocks with
a passphrase.

Settings are read from the file named by -config (YAML, TOML or JSON), then
from FUSEKIT_* environment variables (FUSEKIT_FS_TYPE, FUSEKIT_STORE_KIND,
...), then from the flags below, each source overriding the previous one.

While serving, TERM and INT unmount cleanly and USR1 toggles request
tracing. See 'help signals'.
    `,
}

func fuseServerCmdRun(cmd *cli.Command, args []string) error {
	var (
		configFlag      string
		fsFlag          string
		storeFlag       string
		metricsAddrFlag string
		traceFlag       bool
		allowOtherFlag  bool
		readOnlyFlag    bool
		lockingFlag     bool
		unmountFlag     bool
		signalsFlag     signalList

		logDirFlag         string
		suppressStderrFlag bool
		logModeFlag        logMode
		logFilterFlag      logFilter
		backtracePointFlag backtracePoints
	)

	cmd.FlagSet.StringVar(&configFlag, "config", "",
		"Read settings from the specified file")
	cmd.FlagSet.StringVar(&fsFlag, "fs", "",
		"File system to serve [memfs|kvfs]")
	cmd.FlagSet.StringVar(&storeFlag, "store", "",
		"Store backing kvfs [memory|bolt|badger|s3]")
	cmd.FlagSet.StringVar(&metricsAddrFlag, "metrics-addr", "",
		"Serve prometheus metrics on the specified address [host:port]")
	cmd.FlagSet.BoolVar(&traceFlag, "trace", false,
		"Log every request and response")
	cmd.FlagSet.BoolVar(&allowOtherFlag, "allow-other", false,
		"Allow other users to access the file system")
	cmd.FlagSet.BoolVar(&readOnlyFlag, "read-only", false,
		"Mount the file system read-only")
	cmd.FlagSet.BoolVar(&lockingFlag, "locking", false,
		"Pass POSIX record locks to the file system")
	cmd.FlagSet.BoolVar(&unmountFlag, "unmount", false,
		"Unmount filesystem at specified directory")
	cmd.FlagSet.Var(&signalsFlag, "signals",
		"Comma-separated list of signals to trap (default all)")
	cmd.FlagSet.StringVar(&logDirFlag, "log-dir", "",
		"Write log files to the specified directory")
	cmd.FlagSet.BoolVar(&suppressStderrFlag, "suppress-stderr", false,
		"Suppress standard error logging")
	cmd.FlagSet.Var(&logModeFlag, "log-mode",
		"Log mode for logs emitted globally (can be overridden using -log-filter)")
	cmd.FlagSet.Var(&logFilterFlag, "log-filter",
		"Comma-separated list of pattern:level settings for file-filtered logging")
	cmd.FlagSet.Var(&backtracePointFlag, "log-backtrace-at",
		"Comma-separated list of filename:N settings to emit backtraces")

	if err := cmd.FlagSet.Parse(args); err != nil {
		return cli.CmdParseError(err)
	}

	if cmd.FlagSet.NArg() > 1 {
		return cli.CmdParseError(
			fmt.Errorf("unrecognized arguments: %v", cmd.FlagSet.Args()[1:]))
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		return cli.CmdParseError(err)
	}
	if cmd.FlagSet.NArg() == 1 {
		cfg.Mount.Dir = cmd.FlagSet.Arg(0)
	}
	if cfg.Mount.Dir == "" {
		return cli.CmdParseError(errors.New("unspecified mount-point"))
	}

	// Flags given explicitly win over the file and the environment.
	cmd.FlagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "fs":
			cfg.FS.Type = fsFlag
		case "store":
			cfg.Store.Kind = storeFlag
		case "metrics-addr":
			cfg.Metrics.Addr = metricsAddrFlag
		case "trace":
			cfg.Server.Trace = traceFlag
		case "allow-other":
			cfg.Mount.AllowOther = allowOtherFlag
		case "read-only":
			cfg.Mount.ReadOnly = readOnlyFlag
		case "locking":
			cfg.Mount.LockingPOSIX = lockingFlag
		case "signals":
			cfg.Server.Signals = signalsFlag
		case "log-dir":
			cfg.Log.Dir = logDirFlag
		case "suppress-stderr":
			cfg.Log.SuppressStderr = suppressStderrFlag
		case "log-mode":
			cfg.Log.Mode = logModeFlag.String()
		}
	})
	if err := config.Validate(cfg); err != nil {
		return cli.CmdParseError(err)
	}

	mode, _ := log.ParseMode(cfg.Log.Mode)
	log.SetGlobalLogMode(mode)
	for _, flm := range logFilterFlag {
		log.SetFileLogMode(flm.fname, flm.fmode)
	}
	for _, tp := range backtracePointFlag {
		log.SetTracePoint(tp)
	}

	writer := io.Discard
	if cfg.Log.Dir != "" {
		writer = log.LogRotationWriter(cfg.Log.Dir, 50<<20 /* 50 MiB */)
	}
	if !cfg.Log.SuppressStderr {
		writer = log.MultiWriter(writer, os.Stderr)
	}
	writer = log.SynchronizedWriter(writer)
	logf := log.Ldate | log.Ltime | log.Lmicroseconds | log.Llongfile | log.LUTC | log.Lmode
	logger := log.New(log.Writer(writer), log.Flags(logf), log.SkipBasePath())

	if unmountFlag {
		if err := unmount(logger, cfg.Mount.Dir); err != nil {
			logger.Error(err.Error())
			return err
		}
		return nil
	}

	if err := serve(context.Background(), cfg, logger); err != nil {
		logger.Error(err.Error())
		return err
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	if err := clearStaleMount(cfg.Mount.Dir, logger); err != nil {
		return err
	}
	fsys, err := openFileSystem(ctx, cfg, recorder, logger)
	if err != nil {
		return err
	}
	defer fsys.Close()

	if cfg.Server.Trace {
		fuse.Debug = func(msg interface{}) {
			logger.Output(log.DebugMode, 1, fmt.Sprint(msg))
		}
	}

	opts := cfg.ServerOptions()
	opts.Logger = logger
	opts.Recorder = recorder
	s, err := fs.Mount(cfg.Mount.Dir, fsys.fs, opts, cfg.MountOptions()...)
	if err != nil {
		return err
	}
	defer s.Close()
	logger.Infof("mounted %s on %s", cfg.FS.Type, cfg.Mount.Dir)

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.Run(cfg.Server.Signals...)
	})
	g.Go(func() error {
		// A failing metrics server takes the mount down with it.
		<-ctx.Done()
		s.Stop()
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Infof("unmounted %s", cfg.Mount.Dir)
	return nil
}

// clearStaleMount unmounts dir when it is still mounted by a server that
// went away, which leaves the mount point answering ENOTCONN.
func clearStaleMount(dir string, logger *log.Logger) error {
	mounted, err := fuse.Mounted(dir)
	if err != nil || !mounted {
		return nil
	}
	if _, err := os.Stat(dir); !errors.Is(err, syscall.ENOTCONN) {
		return fmt.Errorf("%s is already mounted", dir)
	}
	logger.Warnf("clearing stale mount on %s", dir)
	return fuse.Unmount(dir)
}

func unmount(logger *log.Logger, mountPoint string) error {
	if err := fuse.Unmount(mountPoint); err != nil {
		return err
	}
	logger.Infof("unmounted point: %s", mountPoint)
	return nil
}
