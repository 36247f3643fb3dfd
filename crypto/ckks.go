package crypto

import (
	"fmt"
	"math"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring/ringqp"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"github.com/tuneinsight/lattigo/v6/utils/structs"
)

// CKKS implements Scheme on top of lattigo's CKKS with proxy re-encryption
// through evaluation keys generated from a secret key and a foreign public key.
type CKKS struct {
	params ckks.Parameters

	encoders sync.Pool
	evals    sync.Pool
}

// NewCKKS builds the scheme from a lattigo parameter literal.
func NewCKKS(lit ckks.ParametersLiteral) (*CKKS, error) {
	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, fmt.Errorf("ckks parameters: %w", err)
	}
	if params.PCount() == 0 {
		return nil, fmt.Errorf("ckks parameters: re-encryption needs at least one P modulus")
	}

	s := &CKKS{params: params}
	s.encoders.New = func() any { return ckks.NewEncoder(params) }
	s.evals.New = func() any { return ckks.NewEvaluator(params, nil) }
	return s, nil
}

// NewCKKSFromConfig builds the scheme from the LogN/LogQ/LogP fields of cfg.
func NewCKKSFromConfig(cfg *Config) (*CKKS, error) {
	return NewCKKS(ckks.ParametersLiteral{
		LogN:            cfg.LogN,
		LogQ:            cfg.LogQ,
		LogP:            cfg.LogP,
		LogDefaultScale: cfg.LogDefaultScale,
	})
}

func (s *CKKS) Name() string { return SchemeCKKS }

func (s *CKKS) SlotCapacity() int { return s.params.MaxSlots() }

// Parameters exposes the lattigo parameter set.
func (s *CKKS) Parameters() ckks.Parameters { return s.params }

func (s *CKKS) GenerateKeyPair() (PublicKey, SecretKey, error) {
	sk, pk := rlwe.NewKeyGenerator(s.params).GenKeyPairNew()
	return pk, sk, nil
}

// GenerateEvalKeys returns the relinearization key and the Galois keys needed
// to sum across all slots.
func (s *CKKS) GenerateEvalKeys(key SecretKey) (*EvalKeys, error) {
	sk, err := s.secretKey(key)
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(s.params)
	mult, err := kgen.GenRelinearizationKeyNew(sk).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal relinearization key: %w", err)
	}

	galEls := rlwe.GaloisElementsForInnerSum(s.params, 1, s.params.MaxSlots())
	gks := kgen.GenGaloisKeysNew(galEls, sk)
	vec := make(structs.Vector[rlwe.GaloisKey], len(gks))
	for i := range gks {
		vec[i] = *gks[i]
	}
	sum, err := vec.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal galois keys: %w", err)
	}

	return &EvalKeys{Mult: mult, Sum: sum}, nil
}

func (s *CKKS) Encrypt(key PublicKey, values []float64) (Ciphertext, error) {
	pk, ok := key.(*rlwe.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, key)
	}
	if len(values) > s.params.MaxSlots() {
		return nil, fmt.Errorf("%w: %d > %d", ErrCapacity, len(values), s.params.MaxSlots())
	}

	pt := ckks.NewPlaintext(s.params, s.params.MaxLevel())
	enc := s.encoders.Get().(*ckks.Encoder)
	err := enc.Encode(values, pt)
	s.encoders.Put(enc)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	ct, err := rlwe.NewEncryptor(s.params, pk).EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

func (s *CKKS) Decrypt(key SecretKey, c Ciphertext) ([]float64, error) {
	sk, err := s.secretKey(key)
	if err != nil {
		return nil, err
	}
	ct, err := s.ciphertext(c)
	if err != nil {
		return nil, err
	}

	pt := rlwe.NewDecryptor(s.params, sk).DecryptNew(ct)
	values := make([]float64, s.params.MaxSlots())

	enc := s.encoders.Get().(*ckks.Encoder)
	defer s.encoders.Put(enc)
	if err := enc.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return values, nil
}

// GenerateRekey builds an evaluation key from the owner of from to the owner
// of to from to's public key alone: every gadget row is a public-key
// encryption of zero under to, to which the gadget decomposition of P*sk_from
// is added.
func (s *CKKS) GenerateRekey(from SecretKey, to PublicKey) (Rekey, error) {
	skFrom, err := s.secretKey(from)
	if err != nil {
		return nil, err
	}
	pkTo, ok := to.(*rlwe.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, to)
	}

	evk := rlwe.NewEvaluationKey(s.params)
	enc := rlwe.NewEncryptor(s.params, pkTo)

	for i := range evk.Value {
		for j := range evk.Value[i] {
			row := rlwe.Element[ringqp.Poly]{
				MetaData: &rlwe.MetaData{CiphertextMetaData: rlwe.CiphertextMetaData{IsNTT: true, IsMontgomery: true}},
				Value:    []ringqp.Poly(evk.Value[i][j]),
			}
			if err := enc.EncryptZero(row); err != nil {
				return nil, fmt.Errorf("encrypt gadget row (%d, %d): %w", i, j, err)
			}
		}
	}

	buff := s.params.RingQ().NewPoly()
	if err := rlwe.AddPolyTimesGadgetVectorToGadgetCiphertext(
		skFrom.Value.Q,
		[]rlwe.GadgetCiphertext{evk.GadgetCiphertext},
		*s.params.RingQP(),
		buff,
	); err != nil {
		return nil, fmt.Errorf("add gadget plaintext: %w", err)
	}

	return evk, nil
}

func (s *CKKS) ReEncrypt(c Ciphertext, key Rekey) (Ciphertext, error) {
	ct, err := s.ciphertext(c)
	if err != nil {
		return nil, err
	}
	evk, ok := key.(*rlwe.EvaluationKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, key)
	}

	eval := s.evals.Get().(*ckks.Evaluator)
	defer s.evals.Put(eval)

	out := ckks.NewCiphertext(s.params, 1, ct.Level())
	if err := eval.ApplyEvaluationKey(ct, evk, out); err != nil {
		return nil, fmt.Errorf("apply rekey: %w", err)
	}
	return out, nil
}

func (s *CKKS) Add(a, b Ciphertext) (Ciphertext, error) {
	ctA, err := s.ciphertext(a)
	if err != nil {
		return nil, err
	}
	ctB, err := s.ciphertext(b)
	if err != nil {
		return nil, err
	}

	eval := s.evals.Get().(*ckks.Evaluator)
	defer s.evals.Put(eval)

	out, err := eval.AddNew(ctA, ctB)
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	return out, nil
}

// MultiplyByConstant multiplies every slot by c. Non-integer constants are
// scaled by the current modulus and consume one level.
func (s *CKKS) MultiplyByConstant(a Ciphertext, c float64) (Ciphertext, error) {
	ct, err := s.ciphertext(a)
	if err != nil {
		return nil, err
	}

	integral := c == math.Trunc(c)
	if !integral && ct.Level() == 0 {
		return nil, fmt.Errorf("multiply by %v: no level left to rescale", c)
	}

	eval := s.evals.Get().(*ckks.Evaluator)
	defer s.evals.Put(eval)

	out, err := eval.MulNew(ct, c)
	if err != nil {
		return nil, fmt.Errorf("multiply: %w", err)
	}
	if !integral {
		if err := eval.Rescale(out, out); err != nil {
			return nil, fmt.Errorf("rescale: %w", err)
		}
	}
	return out, nil
}

func (s *CKKS) UnmarshalPublicKey(data []byte) (PublicKey, error) {
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal public key: %w", err)
	}
	return pk, nil
}

func (s *CKKS) UnmarshalSecretKey(data []byte) (SecretKey, error) {
	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal secret key: %w", err)
	}
	return sk, nil
}

func (s *CKKS) UnmarshalRekey(data []byte) (Rekey, error) {
	evk := new(rlwe.EvaluationKey)
	if err := evk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal rekey: %w", err)
	}
	return evk, nil
}

func (s *CKKS) MarshalCiphertexts(cts []Ciphertext) ([]byte, error) {
	vec := make(structs.Vector[rlwe.Ciphertext], len(cts))
	for i := range cts {
		ct, err := s.ciphertext(cts[i])
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		vec[i] = *ct
	}
	return vec.MarshalBinary()
}

func (s *CKKS) UnmarshalCiphertexts(data []byte) ([]Ciphertext, error) {
	var vec structs.Vector[rlwe.Ciphertext]
	if err := vec.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal ciphertexts: %w", err)
	}
	cts := make([]Ciphertext, len(vec))
	for i := range vec {
		cts[i] = &vec[i]
	}
	return cts, nil
}

func (s *CKKS) secretKey(key SecretKey) (*rlwe.SecretKey, error) {
	sk, ok := key.(*rlwe.SecretKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, key)
	}
	return sk, nil
}

func (s *CKKS) ciphertext(c Ciphertext) (*rlwe.Ciphertext, error) {
	ct, ok := c.(*rlwe.Ciphertext)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, c)
	}
	return ct, nil
}
