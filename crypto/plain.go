package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Plain is a noise-free functional model of the scheme. Values are not
// encrypted, but every object is tagged with the key domain it belongs to and
// operations mixing domains fail the way decryption under the wrong key would.
// It exists for tests and local development only.
type Plain struct {
	slots int
}

type plainKey struct {
	Domain string `json:"domain"`
	Secret bool   `json:"secret"`
}

func (k *plainKey) MarshalBinary() ([]byte, error) { return json.Marshal(k) }

type plainRekey struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (k *plainRekey) MarshalBinary() ([]byte, error) { return json.Marshal(k) }

type plainCiphertext struct {
	Domain string    `json:"domain"`
	Values []float64 `json:"values"`
}

func (c *plainCiphertext) MarshalBinary() ([]byte, error) { return json.Marshal(c) }

// NewPlain creates a plain scheme packing slots scalars per ciphertext.
func NewPlain(slots int) (*Plain, error) {
	if slots < 1 {
		return nil, fmt.Errorf("plain scheme: slot capacity must be positive, got %d", slots)
	}
	return &Plain{slots: slots}, nil
}

func (p *Plain) Name() string { return SchemePlain }

func (p *Plain) SlotCapacity() int { return p.slots }

func (p *Plain) GenerateKeyPair() (PublicKey, SecretKey, error) {
	domain := uuid.NewString()
	return &plainKey{Domain: domain}, &plainKey{Domain: domain, Secret: true}, nil
}

func (p *Plain) GenerateEvalKeys(key SecretKey) (*EvalKeys, error) {
	sk, err := p.key(key, true)
	if err != nil {
		return nil, err
	}
	mult, _ := json.Marshal(map[string]string{"domain": sk.Domain, "kind": "mult"})
	sum, _ := json.Marshal(map[string]string{"domain": sk.Domain, "kind": "sum"})
	return &EvalKeys{Mult: mult, Sum: sum}, nil
}

func (p *Plain) Encrypt(key PublicKey, values []float64) (Ciphertext, error) {
	pk, err := p.key(key, false)
	if err != nil {
		return nil, err
	}
	if len(values) > p.slots {
		return nil, fmt.Errorf("%w: %d > %d", ErrCapacity, len(values), p.slots)
	}
	return &plainCiphertext{Domain: pk.Domain, Values: append([]float64(nil), values...)}, nil
}

func (p *Plain) Decrypt(key SecretKey, c Ciphertext) ([]float64, error) {
	sk, err := p.key(key, true)
	if err != nil {
		return nil, err
	}
	ct, err := p.ciphertext(c)
	if err != nil {
		return nil, err
	}
	if ct.Domain != sk.Domain {
		return nil, fmt.Errorf("%w: ciphertext for %s, key for %s", ErrDomainMismatch, ct.Domain, sk.Domain)
	}
	return append([]float64(nil), ct.Values...), nil
}

func (p *Plain) GenerateRekey(from SecretKey, to PublicKey) (Rekey, error) {
	sk, err := p.key(from, true)
	if err != nil {
		return nil, err
	}
	pk, err := p.key(to, false)
	if err != nil {
		return nil, err
	}
	return &plainRekey{From: sk.Domain, To: pk.Domain}, nil
}

func (p *Plain) ReEncrypt(c Ciphertext, key Rekey) (Ciphertext, error) {
	ct, err := p.ciphertext(c)
	if err != nil {
		return nil, err
	}
	rk, ok := key.(*plainRekey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, key)
	}
	if ct.Domain != rk.From {
		return nil, fmt.Errorf("%w: ciphertext for %s, rekey from %s", ErrDomainMismatch, ct.Domain, rk.From)
	}
	return &plainCiphertext{Domain: rk.To, Values: append([]float64(nil), ct.Values...)}, nil
}

// Add sums slot-wise. Missing trailing slots count as zero.
func (p *Plain) Add(a, b Ciphertext) (Ciphertext, error) {
	ctA, err := p.ciphertext(a)
	if err != nil {
		return nil, err
	}
	ctB, err := p.ciphertext(b)
	if err != nil {
		return nil, err
	}
	if ctA.Domain != ctB.Domain {
		return nil, fmt.Errorf("%w: adding %s to %s", ErrDomainMismatch, ctB.Domain, ctA.Domain)
	}

	n := max(len(ctA.Values), len(ctB.Values))
	out := make([]float64, n)
	for i := range out {
		if i < len(ctA.Values) {
			out[i] += ctA.Values[i]
		}
		if i < len(ctB.Values) {
			out[i] += ctB.Values[i]
		}
	}
	return &plainCiphertext{Domain: ctA.Domain, Values: out}, nil
}

func (p *Plain) MultiplyByConstant(a Ciphertext, c float64) (Ciphertext, error) {
	ct, err := p.ciphertext(a)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(ct.Values))
	for i, v := range ct.Values {
		out[i] = v * c
	}
	return &plainCiphertext{Domain: ct.Domain, Values: out}, nil
}

func (p *Plain) UnmarshalPublicKey(data []byte) (PublicKey, error) {
	k, err := p.unmarshalKey(data, false)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (p *Plain) UnmarshalSecretKey(data []byte) (SecretKey, error) {
	k, err := p.unmarshalKey(data, true)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (p *Plain) UnmarshalRekey(data []byte) (Rekey, error) {
	var rk plainRekey
	if err := json.Unmarshal(data, &rk); err != nil {
		return nil, fmt.Errorf("unmarshal rekey: %w", err)
	}
	if rk.From == "" || rk.To == "" {
		return nil, fmt.Errorf("unmarshal rekey: missing domains")
	}
	return &rk, nil
}

func (p *Plain) MarshalCiphertexts(cts []Ciphertext) ([]byte, error) {
	seq := make([]*plainCiphertext, len(cts))
	for i := range cts {
		ct, err := p.ciphertext(cts[i])
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		seq[i] = ct
	}
	return json.Marshal(seq)
}

func (p *Plain) UnmarshalCiphertexts(data []byte) ([]Ciphertext, error) {
	var seq []*plainCiphertext
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, fmt.Errorf("unmarshal ciphertexts: %w", err)
	}
	cts := make([]Ciphertext, len(seq))
	for i, ct := range seq {
		if ct == nil || ct.Domain == "" {
			return nil, fmt.Errorf("unmarshal ciphertexts: chunk %d has no key domain", i)
		}
		cts[i] = ct
	}
	return cts, nil
}

func (p *Plain) unmarshalKey(data []byte, secret bool) (*plainKey, error) {
	var k plainKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	if k.Domain == "" || k.Secret != secret {
		return nil, fmt.Errorf("%w: not a plain %s", ErrKeyType, keyKind(secret))
	}
	return &k, nil
}

func (p *Plain) key(key any, secret bool) (*plainKey, error) {
	k, ok := key.(*plainKey)
	if !ok || k.Secret != secret {
		return nil, fmt.Errorf("%w: want plain %s, got %T", ErrKeyType, keyKind(secret), key)
	}
	return k, nil
}

func (p *Plain) ciphertext(c Ciphertext) (*plainCiphertext, error) {
	ct, ok := c.(*plainCiphertext)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrKeyType, c)
	}
	return ct, nil
}

func keyKind(secret bool) string {
	if secret {
		return "secret key"
	}
	return "public key"
}
