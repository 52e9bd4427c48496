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
	"sort"
	"sync"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// Registry owns the open handles of a server. A handle stays reachable
// from the registry between a successful open and its release, whatever
// the file system does with its own references to it.
type Registry struct {
	mu   sync.Mutex
	next fuse.HandleID
	open map[fuse.HandleID]*FileInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{open: make(map[fuse.HandleID]*FileInfo)}
}

// Store retains fi and returns the handle number identifying it. Storing
// nil is a no-op and returns 0.
func (r *Registry) Store(fi *FileInfo) fuse.HandleID {
	if fi == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if fi.id != 0 {
		if _, ok := r.open[fi.id]; ok {
			return fi.id
		}
	}
	r.next++
	fi.id = r.next
	r.open[fi.id] = fi
	return fi.id
}

// Get returns the handle stored under id.
func (r *Registry) Get(id fuse.HandleID) (*FileInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fi, ok := r.open[id]
	return fi, ok
}

// Release drops the handle stored under id and returns it, or nil if
// there was none.
func (r *Registry) Release(id fuse.HandleID) *FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	fi, ok := r.open[id]
	if !ok {
		return nil
	}
	delete(r.open, id)
	return fi
}

// Open returns the retained handles ordered by handle number. The result
// is a snapshot.
func (r *Registry) Open() []*FileInfo {
	r.mu.Lock()
	fis := make([]*FileInfo, 0, len(r.open))
	for _, fi := range r.open {
		fis = append(fis, fi)
	}
	r.mu.Unlock()

	sort.Slice(fis, func(i, j int) bool { return fis[i].id < fis[j].id })
	return fis
}

// Len returns the number of retained handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = make(map[fuse.HandleID]*FileInfo)
}
