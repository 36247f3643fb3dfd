package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/stretchr/testify/require"
)

func TestFlatten(t *testing.T) {
	flat, err := Flatten([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, flat)

	flat, err = Flatten([]any{1, []any{int8(2), uint16(3)}, float32(4.5)})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4.5}, flat)

	flat, err = Flatten([3]int{7, 8, 9})
	require.NoError(t, err)
	require.Equal(t, []float64{7, 8, 9}, flat)

	flat, err = Flatten(2.5)
	require.NoError(t, err)
	require.Equal(t, []float64{2.5}, flat)

	flat, err = Flatten([]any{})
	require.NoError(t, err)
	require.Empty(t, flat)
}

func TestFlattenJSON(t *testing.T) {
	var v any
	dec := json.NewDecoder(strings.NewReader(`[[0.5, 1], [2e3]]`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&v))

	flat, err := Flatten(v)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 1, 2000}, flat)

	require.NoError(t, json.Unmarshal([]byte(`[[1,2],[3]]`), &v))
	flat, err = Flatten(v)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, flat)
}

func TestFlattenRejectsNonNumeric(t *testing.T) {
	_, err := Flatten([]any{1.0, []any{2.0, "x"}})
	require.ErrorIs(t, err, ErrType)

	var typeErr *TypeError
	require.True(t, errors.As(err, &typeErr))
	require.Equal(t, []int{1, 1}, typeErr.Path)
	require.Equal(t, "x", typeErr.Value)
	require.Contains(t, err.Error(), "tensor[1][1]")

	_, err = Flatten([]any{nil})
	require.ErrorIs(t, err, ErrType)

	_, err = Flatten(map[string]float64{"a": 1})
	require.ErrorIs(t, err, ErrType)

	_, err = Flatten([]any{json.Number("NaN-ish")})
	require.ErrorIs(t, err, ErrType)
}

func TestChunk(t *testing.T) {
	chunks, err := Chunk([]float64{1, 2, 3, 4, 5}, 2)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 2}, {3, 4}, {5}}, chunks)

	chunks, err = Chunk([]float64{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	chunks, err = Chunk(nil, 4)
	require.NoError(t, err)
	require.Empty(t, chunks)

	_, err = Chunk([]float64{1}, 0)
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestChunkDoesNotAlias(t *testing.T) {
	flat := []float64{1, 2, 3}
	chunks, err := Chunk(flat, 2)
	require.NoError(t, err)
	chunks[0][0] = 99
	require.Equal(t, 1.0, flat[0])
}

func TestEncode(t *testing.T) {
	tensors := []any{
		[][]float64{{1, 2}, {3, 4}},
		[]float64{5},
		[]float64{},
		[]float64{6, 7, 8, 9, 10},
	}

	enc, err := Encode(tensors, 4)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 0, 2}, enc.Layout.ChunkCounts)
	require.Equal(t, []int{4, 1, 0, 5}, enc.Layout.OrigSizes)
	require.Equal(t, [][]float64{{1, 2, 3, 4}, {5}, {6, 7, 8, 9}, {10}}, enc.Chunks)
	require.NoError(t, enc.Layout.Validate(len(enc.Chunks)))

	for _, c := range enc.Chunks {
		require.LessOrEqual(t, len(c), 4)
	}
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode([]any{[]float64{1}}, 0)
	require.ErrorIs(t, err, protocol.ErrValidation)

	_, err = Encode([]any{[]float64{1}, []any{true}}, 4)
	require.ErrorIs(t, err, ErrType)
	require.Contains(t, err.Error(), "tensor 1")

	enc, err := Encode(nil, 4)
	require.NoError(t, err)
	require.Empty(t, enc.Chunks)
	require.Equal(t, 0, enc.Layout.Total())
}

func TestDecode(t *testing.T) {
	tensors := []any{[]float64{1, 2, 3}, []float64{4, 5, 6, 7, 8}}
	enc, err := Encode(tensors, 2)
	require.NoError(t, err)

	// Decrypted chunks carry trailing slot padding, including full ones.
	padded := make([][]float64, len(enc.Chunks))
	for i, c := range enc.Chunks {
		padded[i] = append(append([]float64(nil), c...), make([]float64, 2-len(c)+3)...)
	}

	out, err := Decode(padded, enc.Layout, 2)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6, 7, 8}}, out)

	out, err = Decode(enc.Chunks, enc.Layout, 2)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6, 7, 8}}, out)
}

func TestDecodeStructuralMismatch(t *testing.T) {
	layout := protocol.ChunkLayout{ChunkCounts: []int{2}, OrigSizes: []int{3}}

	_, err := Decode([][]float64{{1, 2}}, layout, 2)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	// A short non-final chunk cannot be made up for by padding on the next.
	_, err = Decode([][]float64{{1}, {2, 3, 0}}, layout, 2)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	_, err = Decode([][]float64{{1, 2}, {}}, layout, 2)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	// Chunk counts must follow from the capacity.
	_, err = Decode([][]float64{{1, 2, 3}, {0}}, layout, 4)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	_, err = Decode([][]float64{{1, 2}}, protocol.ChunkLayout{ChunkCounts: []int{1}, OrigSizes: []int{2, 2}}, 2)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	_, err = Decode(nil, protocol.ChunkLayout{}, 0)
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestReshape(t *testing.T) {
	like := [][]float64{{0, 0}, {0, 0, 0}}
	out, err := Reshape([]float64{1, 2, 3, 4, 5}, like)
	require.NoError(t, err)
	require.Equal(t, []any{[]any{1.0, 2.0}, []any{3.0, 4.0, 5.0}}, out)

	_, err = Reshape([]float64{1, 2}, like)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	_, err = Reshape([]float64{1, 2, 3, 4, 5, 6}, like)
	require.ErrorIs(t, err, protocol.ErrStructuralMismatch)

	_, err = Reshape([]float64{1}, []any{"a"})
	require.ErrorIs(t, err, ErrType)
}
