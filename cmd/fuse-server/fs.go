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
	"fmt"

	"github.com/kurafs/fusekit/pkg/config"
	"github.com/kurafs/fusekit/pkg/kvfs"
	"github.com/kurafs/fusekit/pkg/log"
	"github.com/kurafs/fusekit/pkg/memfs"
	"github.com/kurafs/fusekit/pkg/metrics"
	"github.com/kurafs/fusekit/pkg/store"
)

// fileSystem is the file system served and what must be closed after it
// is unmounted.
type fileSystem struct {
	fs    interface{}
	store store.Store
}

func (f *fileSystem) Close() error {
	if f.store == nil {
		return nil
	}
	return f.store.Close()
}

func openFileSystem(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder, logger *log.Logger) (*fileSystem, error) {
	switch cfg.FS.Type {
	case "memfs":
		return &fileSystem{fs: memfs.New(logger)}, nil
	case "kvfs":
	default:
		return nil, fmt.Errorf("unknown file system type %q", cfg.FS.Type)
	}

	s, err := store.Open(ctx, cfg.Store.Kind, cfg.Store.Options, logger)
	if err != nil {
		return nil, err
	}
	if recorder != nil {
		s = recorder.Store(cfg.Store.Kind, s)
	}
	f, err := kvfs.New(ctx, s, kvfs.Options{
		BlockSize:  cfg.FS.BlockSize,
		Passphrase: cfg.FS.Passphrase,
		Logger:     logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Infof("serving kvfs %s from %s store, block size %d", f.ID(), cfg.Store.Kind, f.BlockSize())
	return &fileSystem{fs: f, store: s}, nil
}
