package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlainHubAveraging(t *testing.T) {
	s, err := NewPlain(2)
	require.NoError(t, err)

	pkA, skA, _ := s.GenerateKeyPair()
	pkB, skB, _ := s.GenerateKeyPair()
	rkBA, _ := s.GenerateRekey(skB, pkA)
	rkAB, _ := s.GenerateRekey(skA, pkB)

	a, err := s.Encrypt(pkA, []float64{1, 2})
	require.NoError(t, err)
	b, err := s.Encrypt(pkB, []float64{5, 6})
	require.NoError(t, err)

	_, err = s.Add(a, b)
	require.ErrorIs(t, err, ErrDomainMismatch, "adding across key domains must fail")

	bInA, err := s.ReEncrypt(b, rkBA)
	require.NoError(t, err)
	sum, err := s.Add(a, bInA)
	require.NoError(t, err)
	avg, err := s.MultiplyByConstant(sum, 0.5)
	require.NoError(t, err)

	got, err := s.Decrypt(skA, avg)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4}, got)

	_, err = s.Decrypt(skB, avg)
	require.ErrorIs(t, err, ErrDomainMismatch)

	avgB, err := s.ReEncrypt(avg, rkAB)
	require.NoError(t, err)
	got, err = s.Decrypt(skB, avgB)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4}, got)

	_, err = s.ReEncrypt(avgB, rkBA)
	require.NoError(t, err)
	_, err = s.ReEncrypt(a, rkBA)
	require.ErrorIs(t, err, ErrDomainMismatch)
}

func TestPlainSerialization(t *testing.T) {
	s, err := NewPlain(3)
	require.NoError(t, err)

	pk, sk, _ := s.GenerateKeyPair()
	pkBytes, _ := pk.MarshalBinary()
	skBytes, _ := sk.MarshalBinary()

	_, err = s.UnmarshalSecretKey(pkBytes)
	require.ErrorIs(t, err, ErrKeyType, "a public key is not a secret key")

	pkBack, err := s.UnmarshalPublicKey(pkBytes)
	require.NoError(t, err)
	skBack, err := s.UnmarshalSecretKey(skBytes)
	require.NoError(t, err)

	cts, err := EncryptChunks(s, pkBack, [][]float64{{1, 2, 3}, {4}})
	require.NoError(t, err)
	blob, err := s.MarshalCiphertexts(cts)
	require.NoError(t, err)
	back, err := s.UnmarshalCiphertexts(blob)
	require.NoError(t, err)

	chunks, err := DecryptChunks(s, skBack, back)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 2, 3}, {4}}, chunks)

	_, err = s.Encrypt(pk, []float64{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrCapacity)

	_, err = NewPlain(0)
	require.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	s, err := New(&Config{Scheme: SchemePlain, PlainSlots: 8})
	require.NoError(t, err)
	require.Equal(t, SchemePlain, s.Name())
	require.Equal(t, 8, s.SlotCapacity())

	_, err = New(&Config{Scheme: "rsa"})
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.LogN = 10
	s, err = New(cfg)
	require.NoError(t, err)
	require.Equal(t, SchemeCKKS, s.Name())
	require.Equal(t, 512, s.SlotCapacity())
}
