package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType selects the reduced-precision storage format of the KV cache
type DType int

const (
	DTypeBF16 DType = iota
	DTypeF16
)

func (d DType) String() string {
	switch d {
	case DTypeBF16:
		return "bf16"
	case DTypeF16:
		return "f16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType parses "bf16"/"bfloat16" or "f16"/"float16"
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "bf16", "bfloat16":
		return DTypeBF16, nil
	case "f16", "fp16", "float16":
		return DTypeF16, nil
	}
	return 0, fmt.Errorf("%w: unknown kv cache dtype %q", ErrConfiguration, s)
}

func (d DType) encode(f float32) uint16 {
	if d == DTypeF16 {
		return float16.Fromfloat32(f).Bits()
	}
	return uint16(bf16RoundNearestEven(f))
}

// bf16RoundNearestEven narrows f to bfloat16 rounding to nearest, ties to
// even. NaN keeps the library's truncation so the payload stays a NaN.
func bf16RoundNearestEven(f float32) bfloat16.BF16 {
	if f != f {
		return bfloat16.FromFloat32(f)
	}
	u := math.Float32bits(f)
	u += 0x7FFF + ((u>>16)&1)
	return bfloat16.BF16(u >> 16)
}

func (d DType) decode(bits uint16) float32 {
	if d == DTypeF16 {
		return float16.Frombits(bits).Float32()
	}
	return bfloat16.ToFloat32(bfloat16.BF16(bits))
}

// KVCache stores keys and values for every layer in two pre-allocated
// buffers laid out as [layers, batch, max_seq_len, kv_heads, head_dim].
// Positions at or after the last written cursor hold stale data.
type KVCache struct {
	K []uint16
	V []uint16

	Layers    int
	Batch     int
	MaxSeqLen int
	KVHeads   int
	HeadDim   int
	DType     DType
}

// NewKVCache allocates a zeroed cache
func NewKVCache(layers, batch, maxSeqLen, kvHeads, headDim int, dtype DType) *KVCache {
	size := layers * batch * maxSeqLen * kvHeads * headDim
	return &KVCache{
		K:         make([]uint16, size),
		V:         make([]uint16, size),
		Layers:    layers,
		Batch:     batch,
		MaxSeqLen: maxSeqLen,
		KVHeads:   kvHeads,
		HeadDim:   headDim,
		DType:     dtype,
	}
}

// NewKVCacheForParams allocates a cache sized for the model
func NewKVCacheForParams(p *ModelParams, batch int, dtype DType) *KVCache {
	return NewKVCache(p.NLayers, batch, p.MaxSeqLen, p.NLocalKVHeads, p.HeadDim, dtype)
}

func (kv *KVCache) offset(layer, b, pos int) int {
	return (((layer*kv.Batch+b)*kv.MaxSeqLen + pos) * kv.KVHeads) * kv.HeadDim
}

// Update writes keys and values shaped [batch, seqlen, kv_heads, head_dim]
// at positions [curPos, curPos+seqlen) of the layer, overwriting what was
// there, and returns the valid history [0, curPos+seqlen) with every kv head
// repeated nRep times.
func (kv *KVCache) Update(xk, xv *Tensor, layerIdx, curPos, nRep int) (*Tensor, *Tensor, error) {
	if layerIdx < 0 || layerIdx >= kv.Layers {
		return nil, nil, fmt.Errorf("%w: layer %d out of range [0,%d)", ErrConfiguration, layerIdx, kv.Layers)
	}
	if nRep <= 0 {
		return nil, nil, fmt.Errorf("%w: n_rep must be positive, got %d", ErrConfiguration, nRep)
	}
	if len(xk.Shape) != 4 {
		return nil, nil, fmt.Errorf("%w: keys must be 4D, got shape %v", ErrConfiguration, xk.Shape)
	}
	seqLen := xk.Shape[1]
	if !xk.sameShape(kv.Batch, seqLen, kv.KVHeads, kv.HeadDim) || !xv.sameShape(xk.Shape...) {
		return nil, nil, fmt.Errorf("%w: keys %v / values %v do not match cache [%d, _, %d, %d]",
			ErrConfiguration, xk.Shape, xv.Shape, kv.Batch, kv.KVHeads, kv.HeadDim)
	}
	if curPos < 0 || curPos+seqLen > kv.MaxSeqLen {
		return nil, nil, fmt.Errorf("%w: cannot write %d positions at %d (max %d)", ErrCacheOverflow, seqLen, curPos, kv.MaxSeqLen)
	}

	rowSize := kv.KVHeads * kv.HeadDim
	for b := 0; b < kv.Batch; b++ {
		dst := kv.offset(layerIdx, b, curPos)
		src := b * seqLen * rowSize
		for i := 0; i < seqLen*rowSize; i++ {
			kv.K[dst+i] = kv.DType.encode(xk.Data[src+i])
			kv.V[dst+i] = kv.DType.encode(xv.Data[src+i])
		}
	}

	return kv.Read(layerIdx, curPos+seqLen, nRep)
}

// Read returns keys and values for positions [0, length) of a layer as
// [batch, length, kv_heads*nRep, head_dim]. Query head h*nRep+r reads kv
// head h.
func (kv *KVCache) Read(layerIdx, length, nRep int) (*Tensor, *Tensor, error) {
	if layerIdx < 0 || layerIdx >= kv.Layers {
		return nil, nil, fmt.Errorf("%w: layer %d out of range [0,%d)", ErrConfiguration, layerIdx, kv.Layers)
	}
	if nRep <= 0 {
		return nil, nil, fmt.Errorf("%w: n_rep must be positive, got %d", ErrConfiguration, nRep)
	}
	if length < 0 || length > kv.MaxSeqLen {
		return nil, nil, fmt.Errorf("%w: cannot read %d positions (max %d)", ErrCacheOverflow, length, kv.MaxSeqLen)
	}

	numHeads := kv.KVHeads * nRep
	keys := NewTensor(kv.Batch, length, numHeads, kv.HeadDim)
	values := NewTensor(kv.Batch, length, numHeads, kv.HeadDim)

	for b := 0; b < kv.Batch; b++ {
		for s := 0; s < length; s++ {
			src := kv.offset(layerIdx, b, s)
			for h := 0; h < kv.KVHeads; h++ {
				for r := 0; r < nRep; r++ {
					dst := ((b*length+s)*numHeads + h*nRep + r) * kv.HeadDim
					for d := 0; d < kv.HeadDim; d++ {
						keys.Data[dst+d] = kv.DType.decode(kv.K[src+h*kv.HeadDim+d])
						values.Data[dst+d] = kv.DType.decode(kv.V[src+h*kv.HeadDim+d])
					}
				}
			}
		}
	}

	return keys, values, nil
}

// Reset zeroes the cache so it can serve a new session
func (kv *KVCache) Reset() {
	clear(kv.K)
	clear(kv.V)
}
