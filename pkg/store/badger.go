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

package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/kurafs/fusekit/pkg/log"
)

// BadgerConfig configures a badger backed Store.
type BadgerConfig struct {
	// Dir holds the database. Empty keeps everything in memory.
	Dir string `mapstructure:"dir"`

	// SyncWrites flushes every write to disk before returning.
	SyncWrites bool `mapstructure:"sync_writes"`

	// Cache sizes in MiB; zero keeps badger's defaults.
	BlockCacheMB int64 `mapstructure:"block_cache_mb"`
	IndexCacheMB int64 `mapstructure:"index_cache_mb"`
}

// Badger is a Store kept in a badger database.
type Badger struct {
	db *badger.DB
}

var _ Store = (*Badger)(nil)

// OpenBadger opens the database, routing badger's own logging through
// logger.
func OpenBadger(cfg BadgerConfig, logger *log.Logger) (*Badger, error) {
	if logger == nil {
		logger = log.Discarder()
	}
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.Dir == "").
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(logger).
		WithLoggingLevel(badger.WARNING)
	if cfg.BlockCacheMB > 0 {
		opts = opts.WithBlockCacheSize(cfg.BlockCacheMB << 20)
	}
	if cfg.IndexCacheMB > 0 {
		opts = opts.WithIndexCacheSize(cfg.IndexCacheMB << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger database %q", cfg.Dir)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil && err != ErrNotFound {
		return nil, errors.Wrapf(err, "badger get %s", key)
	}
	return value, err
}

func (b *Badger) Put(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	return errors.Wrapf(err, "badger put %s", key)
}

func (b *Badger) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return errors.Wrapf(err, "badger delete %s", key)
}

func (b *Badger) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}
