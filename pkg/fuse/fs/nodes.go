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
	"fmt"
	"strings"
	"sync"

	"github.com/kurafs/fusekit/pkg/fuse"
)

// A pathNode is a name the kernel holds a node id for. Nodes form a tree
// mirroring the names looked up so far; paths are rebuilt by walking to
// the root, so renames only touch the renamed node.
type pathNode struct {
	id         fuse.NodeID
	generation uint64
	parent     *pathNode
	name       string
	refs       uint64
	children   map[string]*pathNode
}

// nodeTable translates kernel node ids to paths.
type nodeTable struct {
	mu    sync.Mutex
	node  []*pathNode
	free  []fuse.NodeID
	gen   uint64
	debug func(msg interface{})
}

func newNodeTable(debug func(msg interface{})) *nodeTable {
	t := &nodeTable{debug: debug}
	t.reset()
	return t
}

func (t *nodeTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	root := &pathNode{id: fuse.RootID, refs: 1, children: make(map[string]*pathNode)}
	t.node = []*pathNode{nil, root}
	t.free = nil
}

func (t *nodeTable) get(id fuse.NodeID) *pathNode {
	if id >= fuse.NodeID(len(t.node)) {
		return nil
	}
	return t.node[id]
}

func (n *pathNode) path() string {
	if n.parent == nil {
		if n.id == fuse.RootID {
			return "/"
		}
		// Detached by unlink or rename; still usable through open
		// handles under its last name.
		return "/" + n.name
	}
	var elems []string
	for ; n.parent != nil; n = n.parent {
		elems = append(elems, n.name)
	}
	var b strings.Builder
	for i := len(elems) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(elems[i])
	}
	return b.String()
}

func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// path returns the path of node id, or ESTALE if the kernel names a node
// it has forgotten.
func (t *nodeTable) path(id fuse.NodeID) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.get(id)
	if n == nil {
		return "", fuse.ESTALE
	}
	return n.path(), nil
}

// child returns the path of name within directory id.
func (t *nodeTable) child(id fuse.NodeID, name string) (string, error) {
	dir, err := t.path(id)
	if err != nil {
		return "", err
	}
	return childPath(dir, name), nil
}

// find returns the node ids of path and of its parent directory, zero for
// either the kernel holds no id for.
func (t *nodeTable) find(path string) (parent, id fuse.NodeID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var p *pathNode
	n := t.get(fuse.RootID)
	for _, elem := range strings.Split(path, "/") {
		if elem == "" {
			continue
		}
		if n == nil {
			return 0, 0, ""
		}
		p, n, name = n, n.children[elem], elem
	}
	if p != nil {
		parent = p.id
	}
	if n != nil {
		id = n.id
	}
	return parent, id, name
}

// lookup records one more kernel reference to name within parent and
// returns its node id.
func (t *nodeTable) lookup(parent fuse.NodeID, name string) (fuse.NodeID, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.get(parent)
	if p == nil {
		return 0, 0, fuse.ESTALE
	}
	if n, ok := p.children[name]; ok {
		n.refs++
		return n.id, n.generation, nil
	}

	n := &pathNode{parent: p, name: name, refs: 1, children: make(map[string]*pathNode)}
	if k := len(t.free); k > 0 {
		n.id = t.free[k-1]
		t.free = t.free[:k-1]
		t.gen++
		t.node[n.id] = n
	} else {
		n.id = fuse.NodeID(len(t.node))
		t.node = append(t.node, n)
	}
	n.generation = t.gen
	p.children[name] = n
	return n.id, n.generation, nil
}

type nodeRefcountDropBug struct {
	N    uint64
	Refs uint64
	Node fuse.NodeID
}

func (n nodeRefcountDropBug) String() string {
	return fmt.Sprintf("bug: trying to drop %d of %d references to %v", n.N, n.Refs, n.Node)
}

// forget drops n kernel references to id.
func (t *nodeTable) forget(id fuse.NodeID, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == fuse.RootID {
		return
	}
	node := t.get(id)
	if node == nil {
		t.debug(nodeRefcountDropBug{N: n, Node: id})
		return
	}
	if n > node.refs {
		t.debug(nodeRefcountDropBug{N: n, Refs: node.refs, Node: id})
		n = node.refs
	}
	node.refs -= n
	if node.refs > 0 {
		return
	}
	if node.parent != nil && node.parent.children[node.name] == node {
		delete(node.parent.children, node.name)
	}
	for _, c := range node.children {
		// The kernel forgets children before parents; keep any
		// stragglers resolvable.
		c.parent = nil
		c.name = strings.TrimPrefix(childPath(node.path(), c.name), "/")
	}
	t.node[id] = nil
	t.free = append(t.free, id)
}

// remove detaches name from parent after an unlink or rmdir.
func (t *nodeTable) remove(parent fuse.NodeID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.get(parent)
	if p == nil {
		return
	}
	n, ok := p.children[name]
	if !ok {
		return
	}
	delete(p.children, name)
	n.name = strings.TrimPrefix(n.path(), "/")
	n.parent = nil
}

// rename moves oldName in oldParent to newName in newParent, detaching
// whatever newName named before.
func (t *nodeTable) rename(oldParent fuse.NodeID, oldName string, newParent fuse.NodeID, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, np := t.get(oldParent), t.get(newParent)
	if op == nil || np == nil {
		return
	}
	n, ok := op.children[oldName]
	if !ok {
		return
	}
	if old, ok := np.children[newName]; ok && old != n {
		old.name = strings.TrimPrefix(old.path(), "/")
		old.parent = nil
	}
	delete(op.children, oldName)
	n.parent = np
	n.name = newName
	np.children[newName] = n
}

// len returns the number of live nodes, root included.
func (t *nodeTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.node) - 1 - len(t.free)
}
