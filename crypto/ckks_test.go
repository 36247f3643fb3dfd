package crypto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Small, insecure parameters so the tests stay fast.
var testLiteral = ckks.ParametersLiteral{
	LogN:            10,
	LogQ:            []int{50, 40},
	LogP:            []int{60},
	LogDefaultScale: 40,
}

const tolerance = 1e-4

func newTestCKKS(t *testing.T) *CKKS {
	t.Helper()
	s, err := NewCKKS(testLiteral)
	require.NoError(t, err)
	return s
}

func requireClose(t *testing.T, want, got []float64) {
	t.Helper()
	require.GreaterOrEqual(t, len(got), len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i], tolerance, "slot %d", i)
	}
	for i := len(want); i < len(got); i++ {
		require.InDelta(t, 0, got[i], tolerance, "padding slot %d", i)
	}
}

func TestCKKSEncryptDecrypt(t *testing.T) {
	s := newTestCKKS(t)
	require.Equal(t, 512, s.SlotCapacity())

	pk, sk, err := s.GenerateKeyPair()
	require.NoError(t, err)

	values := []float64{1.5, -2.25, 3, 0.125}
	ct, err := s.Encrypt(pk, values)
	require.NoError(t, err)

	got, err := s.Decrypt(sk, ct)
	require.NoError(t, err)
	requireClose(t, values, got)

	_, err = s.Encrypt(pk, make([]float64, s.SlotCapacity()+1))
	require.ErrorIs(t, err, ErrCapacity)
}

func TestCKKSReEncrypt(t *testing.T) {
	s := newTestCKKS(t)
	pk1, sk1, err := s.GenerateKeyPair()
	require.NoError(t, err)
	pk2, sk2, err := s.GenerateKeyPair()
	require.NoError(t, err)

	rk12, err := s.GenerateRekey(sk1, pk2)
	require.NoError(t, err)

	values := []float64{0.5, 1, -4, 8}
	ct, err := s.Encrypt(pk1, values)
	require.NoError(t, err)

	moved, err := s.ReEncrypt(ct, rk12)
	require.NoError(t, err)

	got, err := s.Decrypt(sk2, moved)
	require.NoError(t, err)
	requireClose(t, values, got)

	// The original owner can no longer read the translated ciphertext.
	wrong, err := s.Decrypt(sk1, moved)
	require.NoError(t, err)
	require.Greater(t, math.Abs(wrong[0]-values[0]), 1.0)
}

func TestCKKSHubAveraging(t *testing.T) {
	s := newTestCKKS(t)
	pkA, skA, _ := s.GenerateKeyPair()
	pkB, skB, _ := s.GenerateKeyPair()

	rkBA, err := s.GenerateRekey(skB, pkA)
	require.NoError(t, err)
	rkAB, err := s.GenerateRekey(skA, pkB)
	require.NoError(t, err)

	a, _ := s.Encrypt(pkA, []float64{1, 2, 3})
	b, _ := s.Encrypt(pkB, []float64{5, 6, 7})

	bInA, err := s.ReEncrypt(b, rkBA)
	require.NoError(t, err)
	sum, err := s.Add(a, bInA)
	require.NoError(t, err)
	avg, err := s.MultiplyByConstant(sum, 0.5)
	require.NoError(t, err)
	avgB, err := s.ReEncrypt(avg, rkAB)
	require.NoError(t, err)

	gotA, err := s.Decrypt(skA, avg)
	require.NoError(t, err)
	requireClose(t, []float64{3, 4, 5}, gotA)

	gotB, err := s.Decrypt(skB, avgB)
	require.NoError(t, err)
	requireClose(t, []float64{3, 4, 5}, gotB)

	// Averaging consumed the only spare level.
	_, err = s.MultiplyByConstant(avg, 0.5)
	require.Error(t, err)
	doubled, err := s.MultiplyByConstant(avg, 2)
	require.NoError(t, err)
	gotDoubled, err := s.Decrypt(skA, doubled)
	require.NoError(t, err)
	requireClose(t, []float64{6, 8, 10}, gotDoubled)
}

func TestCKKSSerialization(t *testing.T) {
	s := newTestCKKS(t)
	pk, sk, _ := s.GenerateKeyPair()
	pk2, _, _ := s.GenerateKeyPair()

	pkBytes, err := pk.MarshalBinary()
	require.NoError(t, err)
	pkBack, err := s.UnmarshalPublicKey(pkBytes)
	require.NoError(t, err)

	skBytes, err := sk.MarshalBinary()
	require.NoError(t, err)
	skBack, err := s.UnmarshalSecretKey(skBytes)
	require.NoError(t, err)

	rk, err := s.GenerateRekey(sk, pk2)
	require.NoError(t, err)
	rkBytes, err := rk.MarshalBinary()
	require.NoError(t, err)
	_, err = s.UnmarshalRekey(rkBytes)
	require.NoError(t, err)

	chunks := [][]float64{{1, 2}, {3}, {4, 5, 6}}
	cts, err := EncryptChunks(s, pkBack, chunks)
	require.NoError(t, err)

	blob, err := s.MarshalCiphertexts(cts)
	require.NoError(t, err)
	back, err := s.UnmarshalCiphertexts(blob)
	require.NoError(t, err)
	require.Len(t, back, len(chunks))

	plain, err := DecryptChunks(s, skBack, back)
	require.NoError(t, err)
	for i := range chunks {
		requireClose(t, chunks[i], plain[i])
	}

	_, err = s.UnmarshalCiphertexts([]byte("garbage"))
	require.Error(t, err)
}

func TestCKKSEvalKeys(t *testing.T) {
	s := newTestCKKS(t)
	_, sk, _ := s.GenerateKeyPair()

	evk, err := s.GenerateEvalKeys(sk)
	require.NoError(t, err)
	require.NotEmpty(t, evk.Mult)
	require.NotEmpty(t, evk.Sum)
}

func TestCKKSRejectsForeignObjects(t *testing.T) {
	s := newTestCKKS(t)
	plain, err := NewPlain(4)
	require.NoError(t, err)

	ppk, psk, _ := plain.GenerateKeyPair()
	_, err = s.Encrypt(ppk, []float64{1})
	require.ErrorIs(t, err, ErrKeyType)
	_, err = s.GenerateEvalKeys(psk)
	require.ErrorIs(t, err, ErrKeyType)
}
