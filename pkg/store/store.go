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

// Package store provides the key/value backends persistent file systems
// keep their records and blocks in.
package store

import (
	"context"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/kurafs/fusekit/pkg/log"
)

// ErrNotFound is returned by Get for keys that are not stored.
var ErrNotFound = errors.New("store: key not found")

// A Store maps string keys to byte values. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the stored keys starting with prefix, in order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Kinds lists the backends known to Open.
var Kinds = []string{"memory", "bolt", "badger", "s3"}

// Open returns the backend of the given kind, configured from options.
// The options are decoded into the backend's own configuration struct
// (BoltConfig, BadgerConfig or S3Config).
func Open(ctx context.Context, kind string, options map[string]interface{}, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.Discarder()
	}

	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "bolt":
		var cfg BoltConfig
		if err := decode(options, &cfg); err != nil {
			return nil, errors.Wrap(err, "invalid bolt options")
		}
		return OpenBolt(cfg)
	case "badger":
		var cfg BadgerConfig
		if err := decode(options, &cfg); err != nil {
			return nil, errors.Wrap(err, "invalid badger options")
		}
		return OpenBadger(cfg, logger)
	case "s3":
		var cfg S3Config
		if err := decode(options, &cfg); err != nil {
			return nil, errors.Wrap(err, "invalid s3 options")
		}
		return OpenS3(ctx, cfg)
	default:
		return nil, errors.Errorf("store: unknown kind %q", kind)
	}
}

func decode(options map[string]interface{}, v interface{}) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}
	return d.Decode(options)
}
