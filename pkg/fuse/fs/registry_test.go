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

package fs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurafs/fusekit/pkg/fuse"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Zero(t, r.Store(nil))

	a, b := &FileInfo{Handle: "a"}, &FileInfo{Handle: "b"}
	ida := r.Store(a)
	idb := r.Store(b)
	assert.Equal(t, fuse.HandleID(1), ida)
	assert.Equal(t, fuse.HandleID(2), idb)
	assert.Equal(t, ida, r.Store(a))
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(idb)
	require.True(t, ok)
	assert.Same(t, b, got)

	open := r.Open()
	require.Len(t, open, 2)
	assert.Same(t, a, open[0])
	assert.Same(t, b, open[1])

	assert.Same(t, a, r.Release(ida))
	assert.Nil(t, r.Release(ida))
	_, ok = r.Get(ida)
	assert.False(t, ok)

	// Ids are not reused, even for a handle stored again.
	assert.Equal(t, fuse.HandleID(3), r.Store(a))
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	ids := make([]fuse.HandleID, 64)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Store(&FileInfo{})
		}(i)
	}
	wg.Wait()

	seen := make(map[fuse.HandleID]bool)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, len(ids), r.Len())
}
