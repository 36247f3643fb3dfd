package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRound(t *testing.T) {
	r, err := ParseRound("7")
	require.NoError(t, err)
	require.Equal(t, Round(7), r)

	r, err = ParseRound("9223372036854775807")
	require.NoError(t, err)
	require.Equal(t, Round(math.MaxInt64), r)

	for _, bad := range []string{"", "0", "-1", "x", "1.5", "9223372036854775808", "18446744073709551615"} {
		_, err := ParseRound(bad)
		require.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestChunkLayoutValidate(t *testing.T) {
	l := ChunkLayout{ChunkCounts: []int{2, 0, 1}, OrigSizes: []int{3, 0, 2}}
	require.NoError(t, l.Validate(3))
	require.Equal(t, 3, l.Total())

	require.ErrorIs(t, l.Validate(4), ErrStructuralMismatch)

	short := ChunkLayout{ChunkCounts: []int{2}, OrigSizes: []int{3, 1}}
	require.ErrorIs(t, short.Validate(2), ErrStructuralMismatch)

	empty := ChunkLayout{ChunkCounts: []int{0}, OrigSizes: []int{4}}
	require.ErrorIs(t, empty.Validate(0), ErrStructuralMismatch)
}

func TestChunkLayoutEqual(t *testing.T) {
	a := ChunkLayout{ChunkCounts: []int{2}, OrigSizes: []int{3}}
	require.True(t, a.Equal(a.Clone()))
	require.False(t, a.Equal(ChunkLayout{ChunkCounts: []int{2}, OrigSizes: []int{4}}))
	require.False(t, a.Equal(ChunkLayout{ChunkCounts: []int{2, 1}, OrigSizes: []int{3, 1}}))
}

func TestKeyBundleValidate(t *testing.T) {
	b := &KeyBundle{ClientID: "c1", PublicKey: []byte{1}, EvalMultKey: []byte{2}, EvalSumKey: []byte{3}}
	require.NoError(t, b.Validate())

	b.EvalSumKey = nil
	require.ErrorIs(t, b.Validate(), ErrValidation)

	e := &RekeyEdge{From: "c1", To: "c1", Rekey: []byte{1}}
	require.ErrorIs(t, e.Validate(), ErrValidation)
}
