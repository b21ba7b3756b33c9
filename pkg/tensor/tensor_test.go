package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignedAlloc(t *testing.T) {
	for _, n := range []int{1, 2, 3, 99, 1023, 1024, 1025, 4096, 300000} {
		buf, nbytes := pageAlignedFloats(n)
		require.Equal(t, n, len(buf))
		require.Equal(t, 0, int(uintptr(unsafe.Pointer(&buf[0]))%pageSize))
		require.GreaterOrEqual(t, nbytes, n*4)
		require.Equal(t, 0, nbytes%PageSize())
	}
}

func TestArenaAccounting(t *testing.T) {
	arena := NewArena()
	a, err := arena.New(Shape{2, 3})
	require.NoError(t, err)
	b, err := arena.FromData(Shape{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 2, arena.Live())
	require.Equal(t, []float32{1, 2, 3, 4}, b.Data())

	shared := b.Retain()
	b.Release()
	require.False(t, shared.Released())
	require.Equal(t, 2, arena.Live())
	shared.Release()
	require.True(t, b.Released())
	require.Panics(t, func() { b.Data() })
	require.Panics(t, func() { b.Release() })

	a.Release()
	require.Equal(t, 0, arena.Live())
	require.Equal(t, int64(0), arena.LiveBytes())
	stats := arena.Stats()
	require.Equal(t, int64(2), stats.TotalAllocs)
	require.Equal(t, int64(2), stats.TotalFrees)
	require.Greater(t, stats.PeakBytes, int64(0))

	_, err = arena.New(Shape{2, 0})
	require.Error(t, err)
	_, err = arena.FromData(Shape{3}, []float32{1})
	require.Error(t, err)
}

func TestScope(t *testing.T) {
	arena := NewArena()
	var kept *Tensor
	func() {
		scope := arena.NewScope()
		defer scope.Close()
		x, err := scope.New(Shape{8})
		require.NoError(t, err)
		y, err := scope.FromData(Shape{2}, []float32{5, 6})
		require.NoError(t, err)
		_ = x
		kept = scope.Keep(y)
		require.Equal(t, 2, arena.Live())
	}()
	require.Equal(t, 1, arena.Live())
	require.Equal(t, []float32{5, 6}, kept.Data())
	kept.Release()
	require.Equal(t, 0, arena.Live())
}

func TestCodecRoundTrip(t *testing.T) {
	arena := NewArena()
	rng := rand.New(rand.NewSource(1))
	for _, shape := range []Shape{{1}, {3}, {2, 2}, {64, 64, 3}, {1, 7, 5, 3}} {
		data := make([]float32, shape.Size())
		for i := range data {
			data[i] = (rng.Float32() - 0.5) * 1000
		}
		// Values that a lossy text format would mangle
		data[0] = math.Float32frombits(0x7fc00001)
		if len(data) > 2 {
			data[1] = float32(math.Inf(-1))
			data[2] = math.SmallestNonzeroFloat32
		}
		x, err := arena.FromData(shape, data)
		require.NoError(t, err)
		enc, err := Encode(x)
		require.NoError(t, err)
		y, err := Decode(arena, enc, x.Shape(), x.DType())
		require.NoError(t, err)
		require.Equal(t, shape, y.Shape())
		for i := range data {
			require.Equal(t, math.Float32bits(x.Data()[i]), math.Float32bits(y.Data()[i]))
		}
		// Encoding does not consume the source
		require.False(t, x.Released())
		x.Release()
		y.Release()
	}
	require.Equal(t, 0, arena.Live())
}

func TestCodecLittleEndian(t *testing.T) {
	arena := NewArena()
	x, err := arena.FromData(Shape{1}, []float32{1})
	require.NoError(t, err)
	defer x.Release()
	enc, err := Encode(x)
	require.NoError(t, err)
	// 1.0 = 0x3f800000, stored as 00 00 80 3f
	require.Equal(t, "AACAPw==", enc)
}

func TestCodecMalformed(t *testing.T) {
	arena := NewArena()
	x, err := arena.FromData(Shape{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	enc, err := Encode(x)
	require.NoError(t, err)
	x.Release()

	// Twelve samples. A shape whose product wraps around to 12 must not match it.
	twelve, err := arena.New(Shape{12})
	require.NoError(t, err)
	enc12, err := Encode(twelve)
	require.NoError(t, err)
	twelve.Release()

	cases := []struct {
		enc   string
		shape Shape
		dtype DType
	}{
		{enc, Shape{2, 3}, Float32}, // too few bytes
		{enc, Shape{3}, Float32},    // too many bytes
		{"!!not base64", Shape{1}, Float32},
		{enc, Shape{2, 2}, "int32"},
		{enc, Shape{}, Float32},
		{enc, Shape{4, 0}, Float32},
		{enc12, Shape{1<<62 + 1, 4, 3}, Float32},
		{"", Shape{1 << 62, 4}, Float32},
		{enc12, Shape{math.MaxInt, math.MaxInt}, Float32},
	}
	for _, c := range cases {
		y, err := Decode(arena, c.enc, c.shape, c.dtype)
		require.Nil(t, y)
		var malformed *MalformedEncodingError
		require.True(t, errors.As(err, &malformed), "%v", err)
	}
	require.Equal(t, 0, arena.Live())
}

func TestResizeBilinear(t *testing.T) {
	arena := NewArena()
	scope := arena.NewScope()
	defer scope.Close()

	// 2x2 single channel upsampled to 4x4
	src, err := scope.FromData(Shape{2, 2, 1}, []float32{0, 10, 20, 30})
	require.NoError(t, err)
	dst, err := ResizeBilinear(scope, src, 4, 4)
	require.NoError(t, err)
	require.Equal(t, Shape{4, 4, 1}, dst.Shape())
	require.Equal(t, []float32{
		0, 5, 10, 10,
		10, 15, 20, 20,
		20, 25, 30, 30,
		20, 25, 30, 30,
	}, dst.Data())

	// Identity resize returns the same samples
	same, err := ResizeBilinear(scope, src, 2, 2)
	require.NoError(t, err)
	require.Equal(t, src.Data(), same.Data())

	_, err = ResizeBilinear(scope, dst, 0, 3)
	require.Error(t, err)
	flat, err := scope.New(Shape{4})
	require.NoError(t, err)
	_, err = ResizeBilinear(scope, flat, 2, 2)
	require.Error(t, err)
}

func TestCenterAndReshape(t *testing.T) {
	arena := NewArena()
	scope := arena.NewScope()
	src, err := scope.FromData(Shape{1, 1, 3}, []float32{0, 127.5, 255})
	require.NoError(t, err)
	c, err := Center(scope, src, 127.5)
	require.NoError(t, err)
	require.Equal(t, []float32{-1, 0, 1}, c.Data())
	r, err := Reshape(scope, c, Shape{1, 1, 1, 3})
	require.NoError(t, err)
	require.Equal(t, 4, r.Rank())
	_, err = Reshape(scope, c, Shape{2, 2})
	require.Error(t, err)
	scope.Close()
	require.Equal(t, 0, arena.Live())
}

func TestArgMax(t *testing.T) {
	i, v := ArgMax([]float32{0.1, 0.7, 0.2})
	require.Equal(t, 1, i)
	require.Equal(t, float32(0.7), v)
	i, _ = ArgMax(nil)
	require.Equal(t, -1, i)
	i, v = ArgMax([]float32{-3, -1, -2})
	require.Equal(t, 1, i)
	require.Equal(t, float32(-1), v)
}

func TestShapeOverflow(t *testing.T) {
	require.True(t, Shape{224, 224, 3}.Valid())
	require.True(t, Shape{MaxSamples}.Valid())
	require.False(t, Shape{MaxSamples + 1}.Valid())
	require.False(t, Shape{1<<62 + 1, 4, 3}.Valid())
	require.False(t, Shape{1 << 32, 1 << 32}.Valid())

	_, err := NewArena().New(Shape{1 << 62, 4})
	require.Error(t, err)
}
