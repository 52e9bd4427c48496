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
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// BoltConfig configures a bolt backed Store.
type BoltConfig struct {
	// Path of the database file, created if missing.
	Path string `mapstructure:"path"`

	// Bucket holding the keys. Defaults to "fusekit".
	Bucket string `mapstructure:"bucket"`

	// How long to wait for the file lock. Defaults to one second.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Bolt is a Store kept in one bucket of a bolt database file.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

var _ Store = (*Bolt)(nil)

func OpenBolt(cfg BoltConfig) (*Bolt, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: bolt path is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "fusekit"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt database %s", cfg.Path)
	}
	b := &Bolt{db: db, bucket: []byte(cfg.Bucket)}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "creating bucket %s", cfg.Bucket)
	}
	return b, nil
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		value = append([]byte{}, v...)
		return nil
	})
	return value, err
}

func (b *Bolt) Put(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
	return errors.Wrapf(err, "bolt put %s", key)
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
	return errors.Wrapf(err, "bolt delete %s", key)
}

func (b *Bolt) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
