package nanodecode

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Block is one full run of cached tokens with the chained hash that
// identifies it and everything before it
type Block struct {
	Hash     uint64
	TokenIDs []int
}

// PrefixCache remembers which tokens sit in the KV cache slots of one
// batch row, so a later prompt sharing a prefix can skip recomputing it.
// Only full blocks are matched.
type PrefixCache struct {
	blockSize int
	blocks    []Block
}

// NewPrefixCache creates an empty prefix record
func NewPrefixCache(blockSize int) *PrefixCache {
	return &PrefixCache{blockSize: blockSize}
}

// NumBlocks returns how many full blocks are recorded
func (pc *PrefixCache) NumBlocks() int {
	return len(pc.blocks)
}

// ComputeHash computes the hash of token IDs with an optional prefix hash
func ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)

	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

// Match returns how many leading tokens are already valid in the cache.
// The result is a multiple of the block size, capped at len(tokens)-1 so
// at least one token is left to prefill.
func (pc *PrefixCache) Match(tokenIDs []int) int {
	if pc.blockSize <= 0 {
		return 0
	}

	var h uint64
	matched := 0
	for i, block := range pc.blocks {
		end := (i + 1) * pc.blockSize
		if end > len(tokenIDs) {
			break
		}
		chunk := tokenIDs[i*pc.blockSize : end]
		h = ComputeHash(chunk, h)
		if h != block.Hash || !slices.Equal(chunk, block.TokenIDs) {
			break
		}
		matched = end
	}

	return min(matched, max(len(tokenIDs)-1, 0))
}

// Record replaces the record with tokenIDs, which must be exactly the
// tokens held at cache positions [0, len(tokenIDs))
func (pc *PrefixCache) Record(tokenIDs []int) {
	pc.blocks = pc.blocks[:0]
	if pc.blockSize <= 0 {
		return
	}

	var h uint64
	for start := 0; start+pc.blockSize <= len(tokenIDs); start += pc.blockSize {
		chunk := tokenIDs[start : start+pc.blockSize]
		h = ComputeHash(chunk, h)
		pc.blocks = append(pc.blocks, Block{
			Hash:     h,
			TokenIDs: slices.Clone(chunk),
		})
	}
}

// Reset forgets every recorded block
func (pc *PrefixCache) Reset() {
	pc.blocks = pc.blocks[:0]
}
