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

package streaming

import (
	"reflect"
	"testing"
)

func TestChunker(t *testing.T) {
	tests := []struct {
		off  int64
		n    int
		size int
		want []Chunk
	}{
		{0, 0, 4, nil},
		{0, 4, 4, []Chunk{{0, 0, 4, 0}}},
		{0, 10, 4, []Chunk{{0, 0, 4, 0}, {1, 0, 4, 4}, {2, 0, 2, 8}}},
		{3, 2, 4, []Chunk{{0, 3, 1, 0}, {1, 0, 1, 1}}},
		{9, 2, 4, []Chunk{{2, 1, 2, 0}}},
		{8, 9, 4, []Chunk{{2, 0, 4, 0}, {3, 0, 4, 4}, {4, 0, 1, 8}}},
	}
	for _, tt := range tests {
		var got []Chunk
		chunker := NewChunker(tt.off, tt.n, tt.size)
		for chunker.Next() {
			got = append(got, chunker.Value())
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NewChunker(%d, %d, %d): got %v, want %v", tt.off, tt.n, tt.size, got, tt.want)
		}
		if chunker.Next() {
			t.Errorf("Shouldn't have gotten another chunk")
		}
	}
}

func TestChunkerDefaultSize(t *testing.T) {
	chunker := NewChunker(DefaultBlockSize-1, 2, 0)
	var blocks []int64
	for chunker.Next() {
		blocks = append(blocks, chunker.Value().Block)
	}
	if !reflect.DeepEqual(blocks, []int64{0, 1}) {
		t.Errorf("got blocks %v, want [0 1]", blocks)
	}
}

func TestBlocks(t *testing.T) {
	for _, tt := range []struct {
		n    int64
		want int64
	}{{0, 0}, {1, 1}, {4, 1}, {5, 2}, {8, 2}} {
		if got := Blocks(tt.n, 4); got != tt.want {
			t.Errorf("Blocks(%d, 4) = %d, want %d", tt.n, got, tt.want)
		}
	}
}
