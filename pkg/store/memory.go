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
	"strings"
	"sync"

	"github.com/google/btree"
)

type entry struct {
	key   string
	value []byte
}

func (e *entry) Less(than btree.Item) bool { return e.key < than.(*entry).key }

// Memory is a Store kept in an ordered in-memory tree.
type Memory struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tree: btree.New(32)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it := m.tree.Get(&entry{key: key})
	if it == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.(*entry).value...), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.ReplaceOrInsert(&entry{key: key, value: append([]byte{}, value...)})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Delete(&entry{key: key})
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	m.tree.AscendGreaterOrEqual(&entry{key: prefix}, func(it btree.Item) bool {
		key := it.(*entry).key
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func (m *Memory) Close() error { return nil }
