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

// Package streaming splits byte ranges into fixed size blocks.
package streaming

// DefaultBlockSize is the block size used when none is configured.
const DefaultBlockSize = 64 * 1024

// A Chunk is the part of one block covered by a byte range.
type Chunk struct {
	Block int64 // block index
	Off   int   // offset of the range within the block
	Len   int   // bytes of the range within the block
	Pos   int   // offset of the chunk within the range
}

// Chunker is an iterator over the chunks of the byte range [off, off+n).
// Call Next before the first Value.
type Chunker struct {
	size int
	off  int64
	end  int64
	cur  Chunk
}

func NewChunker(off int64, n int, size int) *Chunker {
	if size <= 0 {
		size = DefaultBlockSize
	}
	return &Chunker{size: size, off: off, end: off + int64(n), cur: Chunk{Block: -1}}
}

// Value returns the current chunk.
func (c *Chunker) Value() Chunk {
	return c.cur
}

// Next advances the iterator to the next chunk.
func (c *Chunker) Next() bool {
	pos := c.off
	if c.cur.Block >= 0 {
		pos += int64(c.cur.Pos + c.cur.Len)
	}
	if pos >= c.end {
		return false
	}

	size := int64(c.size)
	block := pos / size
	boff := pos - block*size
	n := size - boff
	if rest := c.end - pos; rest < n {
		n = rest
	}
	c.cur = Chunk{Block: block, Off: int(boff), Len: int(n), Pos: int(pos - c.off)}
	return true
}

// Blocks returns the number of blocks needed to hold n bytes.
func Blocks(n int64, size int) int64 {
	return (n + int64(size) - 1) / int64(size)
}
