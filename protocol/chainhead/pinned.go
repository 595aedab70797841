// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chainhead

import (
	"slices"

	"github.com/jinzhu/copier"
)

// PinnedBlock is a block the node retains state for on behalf of the follow subscription
type PinnedBlock struct {
	Hash   string
	Parent string
	// Runtime is the runtime in effect at the block, if known
	Runtime *RuntimeSpec
}

// pinnedBlocks is the ordered (oldest first) sequence of pinned blocks
type pinnedBlocks struct {
	blocks []*PinnedBlock
	index  map[string]*PinnedBlock
}

func newPinnedBlocks() *pinnedBlocks {
	return &pinnedBlocks{
		index: make(map[string]*PinnedBlock),
	}
}

func (p *pinnedBlocks) reset() {
	p.blocks = nil
	p.index = make(map[string]*PinnedBlock)
}

// seed replaces the sequence with the finalized hashes of an initialized event. The runtime
// belongs to the last (newest) of them
func (p *pinnedBlocks) seed(hashes []string, runtime *RuntimeSpec) {
	p.reset()
	parent := ""
	for idx, hash := range hashes {
		block := &PinnedBlock{
			Hash:   hash,
			Parent: parent,
		}
		if idx == len(hashes)-1 {
			block.Runtime = runtime
		}
		p.append(block)
		parent = hash
	}
}

// add appends a new block. A block that reports no new runtime inherits the runtime of its
// parent
func (p *pinnedBlocks) add(hash string, parent string, runtime *RuntimeSpec) bool {
	if _, ok := p.index[hash]; ok {
		return false
	}
	if runtime == nil {
		if parentBlock, ok := p.index[parent]; ok {
			runtime = parentBlock.Runtime
		}
	}
	p.append(
		&PinnedBlock{
			Hash:    hash,
			Parent:  parent,
			Runtime: runtime,
		},
	)
	return true
}

func (p *pinnedBlocks) append(block *PinnedBlock) {
	p.blocks = append(p.blocks, block)
	p.index[block.Hash] = block
}

func (p *pinnedBlocks) contains(hash string) bool {
	_, ok := p.index[hash]
	return ok
}

func (p *pinnedBlocks) get(hash string) *PinnedBlock {
	return p.index[hash]
}

func (p *pinnedBlocks) len() int {
	return len(p.blocks)
}

// spliceOldest removes up to n of the oldest blocks, never removing the protected hashes, and
// returns the removed hashes
func (p *pinnedBlocks) spliceOldest(n int, protected ...string) []string {
	if n <= 0 {
		return nil
	}
	var removed []string
	kept := make([]*PinnedBlock, 0, len(p.blocks))
	for _, block := range p.blocks {
		if len(removed) < n && !slices.Contains(protected, block.Hash) {
			removed = append(removed, block.Hash)
			delete(p.index, block.Hash)
			continue
		}
		kept = append(kept, block)
	}
	p.blocks = kept
	return removed
}

// remove deletes the given hashes, except the protected ones, and returns those that were
// actually pinned
func (p *pinnedBlocks) remove(hashes []string, protected ...string) []string {
	var removed []string
	for _, hash := range hashes {
		if slices.Contains(protected, hash) {
			continue
		}
		if _, ok := p.index[hash]; !ok {
			continue
		}
		delete(p.index, hash)
		removed = append(removed, hash)
	}
	if len(removed) == 0 {
		return nil
	}
	p.blocks = slices.DeleteFunc(p.blocks, func(block *PinnedBlock) bool {
		return slices.Contains(removed, block.Hash)
	})
	return removed
}

func (p *pinnedBlocks) hashes() []string {
	ret := make([]string, 0, len(p.blocks))
	for _, block := range p.blocks {
		ret = append(ret, block.Hash)
	}
	return ret
}

// snapshot returns a deep copy of the sequence that is safe to hand to callers
func (p *pinnedBlocks) snapshot() ([]PinnedBlock, error) {
	src := make([]PinnedBlock, 0, len(p.blocks))
	for _, block := range p.blocks {
		src = append(src, *block)
	}
	var dst []PinnedBlock
	if err := copier.CopyWithOption(&dst, &src, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	return dst, nil
}
