package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// filled returns [batch, seq, kvHeads, headDim] where every element encodes
// its coordinates plus base. All values are exact in bf16 and f16.
func filled(batch, seq, kvHeads, headDim int, base float32) *Tensor {
	t := NewTensor(batch, seq, kvHeads, headDim)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			for h := 0; h < kvHeads; h++ {
				for d := 0; d < headDim; d++ {
					t.Set(base+float32(b*64+s*16+h*4+d), b, s, h, d)
				}
			}
		}
	}
	return t
}

func TestKVCacheUpdateThenRead(t *testing.T) {
	cache := NewKVCache(2, 2, 8, 2, 4, DTypeBF16)

	first := filled(2, 3, 2, 4, 0)
	keys, values, err := cache.Update(first, first, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 2, 4}, keys.Shape)
	require.Equal(t, first.Data, keys.Data)
	require.Equal(t, first.Data, values.Data)

	second := filled(2, 1, 2, 4, 100)
	keys, _, err = cache.Update(second, second, 0, 3, 1)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 2, 4}, keys.Shape)

	for b := 0; b < 2; b++ {
		for s := 0; s < 4; s++ {
			for h := 0; h < 2; h++ {
				for d := 0; d < 4; d++ {
					want := first
					ws := s
					if s == 3 {
						want, ws = second, 0
					}
					require.Equal(t, want.At(b, ws, h, d), keys.At(b, s, h, d), "b=%d s=%d h=%d d=%d", b, s, h, d)
				}
			}
		}
	}

	// The other layer was never written
	other, _, err := cache.Read(1, 8, 1)
	require.NoError(t, err)
	for _, v := range other.Data {
		require.Zero(t, v)
	}
}

func TestKVCacheRepeatsHeads(t *testing.T) {
	const kvHeads, nRep, headDim = 2, 3, 4
	cache := NewKVCache(1, 1, 4, kvHeads, headDim, DTypeBF16)

	k := filled(1, 2, kvHeads, headDim, 0)
	v := filled(1, 2, kvHeads, headDim, 200)
	keys, values, err := cache.Update(k, v, 0, 0, nRep)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, kvHeads * nRep, headDim}, keys.Shape)

	for s := 0; s < 2; s++ {
		for h := 0; h < kvHeads; h++ {
			for r := 0; r < nRep; r++ {
				for d := 0; d < headDim; d++ {
					require.Equal(t, k.At(0, s, h, d), keys.At(0, s, h*nRep+r, d))
					require.Equal(t, v.At(0, s, h, d), values.At(0, s, h*nRep+r, d))
				}
			}
		}
	}
}

func TestKVCacheOverflow(t *testing.T) {
	cache := NewKVCache(1, 1, 4, 1, 2, DTypeBF16)

	_, _, err := cache.Update(filled(1, 4, 1, 2, 0), filled(1, 4, 1, 2, 0), 0, 0, 1)
	require.NoError(t, err)

	_, _, err = cache.Update(filled(1, 1, 1, 2, 0), filled(1, 1, 1, 2, 0), 0, 4, 1)
	require.ErrorIs(t, err, ErrCacheOverflow)

	_, _, err = cache.Update(filled(1, 2, 1, 2, 0), filled(1, 2, 1, 2, 0), 0, 3, 1)
	require.ErrorIs(t, err, ErrCacheOverflow)

	_, _, err = cache.Update(filled(1, 1, 1, 2, 0), filled(1, 1, 1, 2, 0), 0, -1, 1)
	require.ErrorIs(t, err, ErrCacheOverflow)

	_, _, err = cache.Read(0, 5, 1)
	require.ErrorIs(t, err, ErrCacheOverflow)
}

func TestKVCacheRollback(t *testing.T) {
	cache := NewKVCache(1, 1, 4, 1, 2, DTypeBF16)

	_, _, err := cache.Update(filled(1, 3, 1, 2, 0), filled(1, 3, 1, 2, 0), 0, 0, 1)
	require.NoError(t, err)

	// Rewinding the cursor overwrites the old position
	replacement := filled(1, 1, 1, 2, 50)
	keys, _, err := cache.Update(replacement, replacement, 0, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 1, 2}, keys.Shape)
	require.Equal(t, float32(50), keys.At(0, 1, 0, 0))
	require.Equal(t, float32(0), keys.At(0, 0, 0, 0))
}

func TestKVCacheConfigurationErrors(t *testing.T) {
	cache := NewKVCache(2, 1, 4, 2, 2, DTypeBF16)
	x := filled(1, 1, 2, 2, 0)

	_, _, err := cache.Update(x, x, 2, 0, 1)
	require.ErrorIs(t, err, ErrConfiguration)

	_, _, err = cache.Update(filled(1, 1, 1, 2, 0), filled(1, 1, 1, 2, 0), 0, 0, 1)
	require.ErrorIs(t, err, ErrConfiguration)

	_, _, err = cache.Update(x, filled(1, 2, 2, 2, 0), 0, 0, 1)
	require.ErrorIs(t, err, ErrConfiguration)

	_, _, err = cache.Update(x, x, 0, 0, 0)
	require.ErrorIs(t, err, ErrConfiguration)

	_, _, err = cache.Update(x.Reshape(1, 4), x, 0, 0, 1)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestKVCacheStorageRounding(t *testing.T) {
	// 1 + 2^-10 fits the float16 mantissa but not the bfloat16 one
	val := float32(1.0009765625)

	for _, tt := range []struct {
		dtype DType
		exact bool
	}{
		{DTypeF16, true},
		{DTypeBF16, false},
	} {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			cache := NewKVCache(1, 1, 1, 1, 1, tt.dtype)
			x := FromData([]float32{val}, 1, 1, 1, 1)

			keys, _, err := cache.Update(x, x, 0, 0, 1)
			require.NoError(t, err)

			got := keys.Data[0]
			if tt.exact {
				require.Equal(t, val, got)
			} else {
				require.NotEqual(t, val, got)
				require.InDelta(t, val, got, 1.0/128)
			}
		})
	}
}

func TestKVCacheReset(t *testing.T) {
	p := &ModelParams{NLayers: 2, NLocalKVHeads: 1, HeadDim: 2, MaxSeqLen: 3}
	cache := NewKVCacheForParams(p, 1, DTypeF16)
	require.Equal(t, 2*1*3*1*2, len(cache.K))

	x := filled(1, 2, 1, 2, 1)
	_, _, err := cache.Update(x, x, 1, 0, 1)
	require.NoError(t, err)

	cache.Reset()
	keys, values, err := cache.Read(1, 2, 1)
	require.NoError(t, err)
	for i := range keys.Data {
		require.Zero(t, keys.Data[i])
		require.Zero(t, values.Data[i])
	}
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{
		"":         DTypeBF16,
		"bf16":     DTypeBF16,
		"BFloat16": DTypeBF16,
		"f16":      DTypeF16,
		"fp16":     DTypeF16,
		"float16":  DTypeF16,
	} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseDType("int8")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestBF16RoundsToNearestEven(t *testing.T) {
	for _, tt := range []struct {
		in, want float32
	}{
		{1 + 3.0/512, 1 + 1.0/128},
		{1 + 1.0/512, 1},
		// ties go to the even mantissa
		{1 + 1.0/256, 1},
		{1 + 3.0/256, 1 + 1.0/64},
		{-(1 + 3.0/512), -(1 + 1.0/128)},
	} {
		require.Equal(t, tt.want, DTypeBF16.decode(DTypeBF16.encode(tt.in)), "%v", tt.in)
	}

	nan := DTypeBF16.decode(DTypeBF16.encode(float32(math.NaN())))
	require.True(t, math.IsNaN(float64(nan)))
}

func TestDTypeRoundTripSpecialValues(t *testing.T) {
	for _, d := range []DType{DTypeBF16, DTypeF16} {
		for _, v := range []float32{0, -2, 0.5, float32(math.Inf(1))} {
			require.Equal(t, v, d.decode(d.encode(v)), "%v %v", d, v)
		}
	}
}
